// Package pms defines the property-management-system connector contract and
// the vendor adapters behind it. Adapters map vendor responses into the
// platform's types and error taxonomy exactly once, at this boundary.
package pms

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/voicehive/backend/internal/errdefs"
)

// ReservationStatus is the internal status enum.
type ReservationStatus string

const (
	StatusConfirmed  ReservationStatus = "confirmed"
	StatusCancelled  ReservationStatus = "cancelled"
	StatusCheckedIn  ReservationStatus = "checked_in"
	StatusCheckedOut ReservationStatus = "checked_out"
	StatusNoShow     ReservationStatus = "no_show"
	StatusUnknown    ReservationStatus = "unknown"
)

// MapVendorStatus folds a vendor status string into the internal enum.
// Unknown vendor statuses become StatusUnknown and are logged, never
// silently coerced.
func MapVendorStatus(vendor, status string) ReservationStatus {
	switch strings.ToLower(status) {
	case "confirmed", "definite":
		return StatusConfirmed
	case "canceled", "cancelled":
		return StatusCancelled
	case "inhouse", "in-house", "checkedin", "checked-in":
		return StatusCheckedIn
	case "checkedout", "checked-out":
		return StatusCheckedOut
	case "noshow", "no-show":
		return StatusNoShow
	default:
		slog.Warn("[PMS] Unknown vendor reservation status",
			"vendor", vendor, "status", status)
		return StatusUnknown
	}
}

// GuestProfile carries guest identity and explicit consent flags.
type GuestProfile struct {
	ID               string            `json:"id,omitempty"`
	Email            string            `json:"email,omitempty"`
	Phone            string            `json:"phone,omitempty"`
	FirstName        string            `json:"first_name"`
	LastName         string            `json:"last_name"`
	Nationality      string            `json:"nationality,omitempty"`
	Language         string            `json:"language,omitempty"`
	Preferences      map[string]string `json:"preferences,omitempty"`
	GDPRConsent      bool              `json:"gdpr_consent"`
	MarketingConsent bool              `json:"marketing_consent"`
}

// Reservation is the internal reservation record.
type Reservation struct {
	ID                 string            `json:"id"`
	ConfirmationNumber string            `json:"confirmation_number"`
	Status             ReservationStatus `json:"status"`
	Arrival            time.Time         `json:"arrival"`
	Departure          time.Time         `json:"departure"`
	RoomType           string            `json:"room_type"`
	RateCode           string            `json:"rate_code"`
	TotalAmount        decimal.Decimal   `json:"total_amount"`
	Currency           string            `json:"currency"`
	Guest              GuestProfile      `json:"guest"`
	CreatedAt          time.Time         `json:"created_at"`
	ModifiedAt         time.Time         `json:"modified_at"`
}

// RoomType describes one sellable room category.
type RoomType struct {
	Code         string `json:"code"`
	MaxOccupancy int    `json:"max_occupancy"`
}

// DayAvailability is one cell of the availability grid.
type DayAvailability struct {
	Available int             `json:"available"`
	Rate      decimal.Decimal `json:"rate"`
}

// AvailabilityGrid maps room type → date (ISO-8601) → availability.
type AvailabilityGrid struct {
	HotelID      string                                `json:"hotel_id"`
	RoomTypes    []RoomType                            `json:"room_types"`
	Availability map[string]map[string]DayAvailability `json:"availability"`
}

// RateQuote carries fixed-point monetary values; never binary floats.
type RateQuote struct {
	RoomType           string          `json:"room_type"`
	RateCode           string          `json:"rate_code"`
	Total              decimal.Decimal `json:"total"`
	Taxes              decimal.Decimal `json:"taxes"`
	Fees               decimal.Decimal `json:"fees"`
	Currency           string          `json:"currency"`
	CancellationPolicy string          `json:"cancellation_policy"`
}

// AvailabilityQuery is the get_availability input.
type AvailabilityQuery struct {
	HotelID    string
	Start      time.Time
	End        time.Time
	GuestCount int
	RoomType   string
}

// RateQuery is the quote_rate input.
type RateQuery struct {
	HotelID    string
	RoomType   string
	RateCode   string
	Arrival    time.Time
	Departure  time.Time
	GuestCount int
	Currency   string
}

// CreateReservationRequest is idempotent on IdempotencyKey.
type CreateReservationRequest struct {
	HotelID        string
	Guest          GuestProfile
	RoomType       string
	RateCode       string
	Arrival        time.Time
	Departure      time.Time
	GuestCount     int
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
}

// ReservationPatch carries only the fields to change.
type ReservationPatch struct {
	Arrival   *time.Time
	Departure *time.Time
	RoomType  *string
	RateCode  *string
}

// GuestQuery searches by email, by name pair, or by loyalty number.
type GuestQuery struct {
	Email         string
	FirstName     string
	LastName      string
	LoyaltyNumber string
}

// HealthStatus is the connector probe result.
type HealthStatus struct {
	Status    string    `json:"status"` // healthy, degraded, unhealthy
	Vendor    string    `json:"vendor"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// Capabilities advertises which operations a connector implements.
type Capabilities struct {
	Availability      bool `json:"availability"`
	Rates             bool `json:"rates"`
	Reservations      bool `json:"reservations"`
	GuestSearch       bool `json:"guest_search"`
	Modifications     bool `json:"modifications"`
	Cancellations     bool `json:"cancellations"`
	StreamingArrivals bool `json:"streaming_arrivals"`
	StreamingInHouse  bool `json:"streaming_in_house"`
}

// Connector is the vendor-neutral contract. A connector implements the
// operations its capability descriptor advertises.
type Connector interface {
	Vendor() string
	Capabilities() Capabilities
	GetAvailability(ctx context.Context, q AvailabilityQuery) (*AvailabilityGrid, error)
	QuoteRate(ctx context.Context, q RateQuery) (*RateQuote, error)
	CreateReservation(ctx context.Context, req CreateReservationRequest) (*Reservation, error)
	GetReservation(ctx context.Context, reservationID string) (*Reservation, error)
	ModifyReservation(ctx context.Context, reservationID string, patch ReservationPatch) (*Reservation, error)
	CancelReservation(ctx context.Context, reservationID, reason string) error
	SearchGuest(ctx context.Context, q GuestQuery) ([]GuestProfile, error)
	UpsertGuestProfile(ctx context.Context, profile GuestProfile) (*GuestProfile, error)
	StreamArrivals(ctx context.Context, hotelID string, date time.Time) *ReservationStream
	StreamInHouse(ctx context.Context, hotelID string) *ReservationStream
	HealthCheck(ctx context.Context) HealthStatus
}

// validateStay checks the common stay-boundary contract.
func validateStay(arrival, departure time.Time) error {
	if arrival.IsZero() || departure.IsZero() {
		return errdefs.Validation("arrival and departure are required")
	}
	if !departure.After(arrival) {
		return errdefs.Validation("departure must be after arrival")
	}
	return nil
}
