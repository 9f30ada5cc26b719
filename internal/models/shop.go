package models

import (
	"strings"
	"time"
)

const DefaultServiceMinutes = 15

type Shop struct {
	ShopID            string    `json:"shop_id"`
	OwnerID           string    `json:"owner_id"`
	Name              string    `json:"name"`
	Category          string    `json:"category"`
	Location          string    `json:"location"`
	Description       string    `json:"description"`
	ImageURL          string    `json:"image_url,omitempty"`
	AvgServiceMinutes int       `json:"avg_service_minutes"`
	CreatedAt         time.Time `json:"created_at"`

	Waiting int `json:"waiting"`
}

const (
	CategoryBarber  = "Barber"
	CategoryFood    = "Food"
	CategoryLaundry = "Laundry"
	CategoryClinic  = "Clinic"
	CategoryOther   = "Other"
)

var Categories = []string{CategoryBarber, CategoryFood, CategoryLaundry, CategoryClinic, CategoryOther}

// CanonicalCategory matches value against the known categories ignoring case.
func CanonicalCategory(value string) (string, bool) {
	for _, c := range Categories {
		if strings.EqualFold(c, value) {
			return c, true
		}
	}
	return "", false
}

func ValidCategory(value string) bool {
	for _, c := range Categories {
		if c == value {
			return true
		}
	}
	return false
}

func (s Shop) ServiceMinutes() int {
	if s.AvgServiceMinutes <= 0 {
		return DefaultServiceMinutes
	}
	return s.AvgServiceMinutes
}
