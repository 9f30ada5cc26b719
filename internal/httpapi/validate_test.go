package httpapi

import (
	"strings"
	"testing"
)

func TestRequestValidatorUsesJSONNames(t *testing.T) {
	v := newRequestValidator()

	err := v.Struct(openShopRequest{AvgServiceMinutes: 500})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"name is required", "avg_service_minutes must be at most 480"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %q", want, err.Error())
		}
	}

	if err := v.Struct(joinRequest{DisplayName: strings.Repeat("x", 65)}); err == nil || !strings.Contains(err.Error(), "display_name") {
		t.Fatalf("expected display_name error, got %v", err)
	}
	if err := v.Struct(openShopRequest{Name: "Fade Factory", AvgServiceMinutes: 20}); err != nil {
		t.Fatalf("expected valid request, got %v", err)
	}
}

func TestIsValidUUID(t *testing.T) {
	if !isValidUUID("1b4e28ba-2fa1-11d2-883f-0016d3cca427") {
		t.Fatalf("expected valid uuid")
	}
	if isValidUUID("mine") {
		t.Fatalf("expected invalid uuid")
	}
}
