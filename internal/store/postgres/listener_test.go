package postgres

import (
	"testing"

	"qline/internal/changefeed"
	"qline/internal/models"
)

func TestDecodeNotification(t *testing.T) {
	payload := `{"op":"update","booking":{"booking_id":"b1","seq":7,"shop_id":"s1","user_id":"u1","display_name":"Ana","status":"serving","created_at":"2026-10-16T09:00:00.123456+00:00","served_at":"2026-10-16T09:30:00+00:00","finished_at":null}}`
	change, err := decodeNotification(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if change.Op != changefeed.OpUpdate {
		t.Fatalf("expected update, got %s", change.Op)
	}
	if change.Booking.Status != models.StatusServing || change.Booking.Seq != 7 || change.Booking.ShopID != "s1" {
		t.Fatalf("unexpected booking %+v", change.Booking)
	}
	if change.Booking.ServedAt == nil || change.Booking.FinishedAt != nil {
		t.Fatalf("unexpected timestamps %+v", change.Booking)
	}
}

func TestDecodeNotificationRejectsGarbage(t *testing.T) {
	if _, err := decodeNotification("not json"); err == nil {
		t.Fatalf("expected error")
	}
}
