package pms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/voicehive/backend/internal/errdefs"
	"github.com/voicehive/backend/internal/resilience"
)

const apaleoPageSize = 100

// ApaleoConfig wires the Apaleo connector.
type ApaleoConfig struct {
	BaseURL string
	Tokens  *TokenProvider
	Client  *http.Client
	Exec    *resilience.Executor
}

// ApaleoConnector is the reference PMS adapter.
type ApaleoConnector struct {
	cfg ApaleoConfig
}

func NewApaleoConnector(cfg ApaleoConfig) *ApaleoConnector {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	return &ApaleoConnector{cfg: cfg}
}

func (c *ApaleoConnector) Vendor() string { return "apaleo" }

func (c *ApaleoConnector) Capabilities() Capabilities {
	return Capabilities{
		Availability:      true,
		Rates:             true,
		Reservations:      true,
		GuestSearch:       true,
		Modifications:     true,
		Cancellations:     true,
		StreamingArrivals: true,
		StreamingInHouse:  true,
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Vendor DTOs
// ──────────────────────────────────────────────────────────────────────────────

type apaleoAmount struct {
	Amount   json.Number `json:"amount"`
	Currency string      `json:"currency"`
}

type apaleoUnitGroup struct {
	Code       string `json:"code"`
	MaxPersons int    `json:"maxPersons"`
}

type apaleoAvailabilityItem struct {
	UnitGroupCode string       `json:"unitGroupCode"`
	Date          string       `json:"date"`
	Available     int          `json:"available"`
	Rate          apaleoAmount `json:"rate"`
}

type apaleoAvailabilityResponse struct {
	UnitGroups []apaleoUnitGroup        `json:"unitGroups"`
	Items      []apaleoAvailabilityItem `json:"items"`
}

type apaleoOffer struct {
	UnitGroup        apaleoUnitGroup `json:"unitGroup"`
	RatePlanCode     string          `json:"ratePlanCode"`
	TotalGrossAmount apaleoAmount    `json:"totalGrossAmount"`
	TaxDetails       []struct {
		Amount apaleoAmount `json:"amount"`
	} `json:"taxDetails"`
	Fees []struct {
		Amount apaleoAmount `json:"amount"`
	} `json:"fees"`
	CancellationPolicy struct {
		Description string `json:"description"`
	} `json:"cancellationPolicy"`
}

type apaleoOffersResponse struct {
	Offers []apaleoOffer `json:"offers"`
}

type apaleoGuest struct {
	ID               string `json:"id,omitempty"`
	Email            string `json:"email,omitempty"`
	Phone            string `json:"phone,omitempty"`
	FirstName        string `json:"firstName"`
	LastName         string `json:"lastName"`
	Nationality      string `json:"nationalityCountryCode,omitempty"`
	PreferredLocale  string `json:"preferredLanguage,omitempty"`
	GDPRConsent      bool   `json:"gdprConsent"`
	MarketingConsent bool   `json:"marketingConsent"`
}

type apaleoReservation struct {
	ID           string       `json:"id"`
	BookingID    string       `json:"bookingId"`
	Status       string       `json:"status"`
	Arrival      string       `json:"arrival"`
	Departure    string       `json:"departure"`
	UnitGroup    apaleoUnitGroup `json:"unitGroup"`
	RatePlanCode string       `json:"ratePlanCode"`
	TotalGross   apaleoAmount `json:"totalGrossAmount"`
	PrimaryGuest apaleoGuest  `json:"primaryGuest"`
	Created      string       `json:"created"`
	Modified     string       `json:"modified"`
}

type apaleoReservationPage struct {
	Reservations []apaleoReservation `json:"reservations"`
	Cursor       string              `json:"cursor"`
}

type apaleoGuestsResponse struct {
	Guests []apaleoGuest `json:"guests"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Operations
// ──────────────────────────────────────────────────────────────────────────────

func (c *ApaleoConnector) GetAvailability(ctx context.Context, q AvailabilityQuery) (*AvailabilityGrid, error) {
	if q.HotelID == "" {
		return nil, errdefs.Validation("hotel_id is required")
	}
	if err := validateStay(q.Start, q.End); err != nil {
		return nil, err
	}

	query := url.Values{
		"propertyId": {q.HotelID},
		"from":       {FormatDate(q.Start)},
		"to":         {FormatDate(q.End)},
	}
	if q.GuestCount > 0 {
		query.Set("adults", strconv.Itoa(q.GuestCount))
	}
	if q.RoomType != "" {
		query.Set("unitGroupCode", q.RoomType)
	}

	var resp apaleoAvailabilityResponse
	err := c.execute(ctx, "get_availability", resilience.KindQuery, true, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodGet, "/availability/v1/unit-groups", query, nil, "", &resp)
	})
	if err != nil {
		return nil, err
	}

	grid := &AvailabilityGrid{
		HotelID:      q.HotelID,
		Availability: make(map[string]map[string]DayAvailability),
	}
	for _, ug := range resp.UnitGroups {
		grid.RoomTypes = append(grid.RoomTypes, RoomType{Code: ug.Code, MaxOccupancy: ug.MaxPersons})
	}
	for _, item := range resp.Items {
		rate, err := ParseMoney(item.Rate.Amount)
		if err != nil {
			return nil, err
		}
		days := grid.Availability[item.UnitGroupCode]
		if days == nil {
			days = make(map[string]DayAvailability)
			grid.Availability[item.UnitGroupCode] = days
		}
		days[item.Date] = DayAvailability{Available: item.Available, Rate: rate}
	}
	return grid, nil
}

func (c *ApaleoConnector) QuoteRate(ctx context.Context, q RateQuery) (*RateQuote, error) {
	if err := validateStay(q.Arrival, q.Departure); err != nil {
		return nil, err
	}

	query := url.Values{
		"propertyId":    {q.HotelID},
		"unitGroupCode": {q.RoomType},
		"ratePlanCode":  {q.RateCode},
		"arrival":       {FormatDate(q.Arrival)},
		"departure":     {FormatDate(q.Departure)},
		"adults":        {strconv.Itoa(q.GuestCount)},
	}
	if q.Currency != "" {
		query.Set("currency", q.Currency)
	}

	var resp apaleoOffersResponse
	err := c.execute(ctx, "quote_rate", resilience.KindQuery, true, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodGet, "/rateplan/v1/offers", query, nil, "", &resp)
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Offers) == 0 {
		return nil, errdefs.NotFound("no offer for the requested rate")
	}

	offer := resp.Offers[0]
	total, err := ParseMoney(offer.TotalGrossAmount.Amount)
	if err != nil {
		return nil, err
	}
	taxes := decimal.Zero
	for _, t := range offer.TaxDetails {
		amt, err := ParseMoney(t.Amount.Amount)
		if err != nil {
			return nil, err
		}
		taxes = taxes.Add(amt)
	}
	fees := decimal.Zero
	for _, f := range offer.Fees {
		amt, err := ParseMoney(f.Amount.Amount)
		if err != nil {
			return nil, err
		}
		fees = fees.Add(amt)
	}

	currency := offer.TotalGrossAmount.Currency
	if currency == "" {
		currency = q.Currency
	}
	return &RateQuote{
		RoomType:           offer.UnitGroup.Code,
		RateCode:           offer.RatePlanCode,
		Total:              total,
		Taxes:              taxes,
		Fees:               fees,
		Currency:           currency,
		CancellationPolicy: offer.CancellationPolicy.Description,
	}, nil
}

func (c *ApaleoConnector) CreateReservation(ctx context.Context, req CreateReservationRequest) (*Reservation, error) {
	if err := validateStay(req.Arrival, req.Departure); err != nil {
		return nil, err
	}
	if req.IdempotencyKey == "" {
		return nil, errdefs.Validation("idempotency_key is required")
	}

	body := map[string]interface{}{
		"propertyId":    req.HotelID,
		"unitGroupCode": req.RoomType,
		"ratePlanCode":  req.RateCode,
		"arrival":       FormatDate(req.Arrival),
		"departure":     FormatDate(req.Departure),
		"adults":        req.GuestCount,
		"totalGrossAmount": map[string]interface{}{
			"amount":   req.Amount.StringFixed(2),
			"currency": req.Currency,
		},
		"primaryGuest": toApaleoGuest(req.Guest),
	}

	var resp apaleoReservation
	// Safe to retry: the vendor deduplicates on the idempotency key.
	err := c.execute(ctx, "create_reservation", resilience.KindTransaction, true, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPost, "/booking/v1/bookings", nil, body, req.IdempotencyKey, &resp)
	})
	if err != nil {
		return nil, err
	}
	return c.toReservation(resp)
}

func (c *ApaleoConnector) GetReservation(ctx context.Context, reservationID string) (*Reservation, error) {
	if reservationID == "" {
		return nil, errdefs.Validation("reservation_id is required")
	}
	var resp apaleoReservation
	err := c.execute(ctx, "get_reservation", resilience.KindQuery, true, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodGet, "/booking/v1/reservations/"+reservationID, nil, nil, "", &resp)
	})
	if err != nil {
		return nil, err
	}
	return c.toReservation(resp)
}

func (c *ApaleoConnector) ModifyReservation(ctx context.Context, reservationID string, patch ReservationPatch) (*Reservation, error) {
	if reservationID == "" {
		return nil, errdefs.Validation("reservation_id is required")
	}
	body := map[string]interface{}{}
	if patch.Arrival != nil {
		body["arrival"] = FormatDate(*patch.Arrival)
	}
	if patch.Departure != nil {
		body["departure"] = FormatDate(*patch.Departure)
	}
	if patch.RoomType != nil {
		body["unitGroupCode"] = *patch.RoomType
	}
	if patch.RateCode != nil {
		body["ratePlanCode"] = *patch.RateCode
	}
	if len(body) == 0 {
		return nil, errdefs.Validation("patch is empty")
	}

	var resp apaleoReservation
	err := c.execute(ctx, "modify_reservation", resilience.KindTransaction, false, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPatch, "/booking/v1/reservations/"+reservationID, nil, body, "", &resp)
	})
	if err != nil {
		return nil, err
	}
	return c.toReservation(resp)
}

// CancelReservation cancels through the booking PATCH path; the vendor also
// exposes a reservation DELETE, but behavior differs per integration and the
// PATCH path is the one that emits cancellation fees.
func (c *ApaleoConnector) CancelReservation(ctx context.Context, reservationID, reason string) error {
	if reservationID == "" {
		return errdefs.Validation("reservation_id is required")
	}
	body := map[string]interface{}{
		"status": "Canceled",
		"reason": reason,
	}
	return c.execute(ctx, "cancel_reservation", resilience.KindTransaction, false, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPatch, "/booking/v1/bookings/"+reservationID, nil, body, "", nil)
	})
}

func (c *ApaleoConnector) SearchGuest(ctx context.Context, q GuestQuery) ([]GuestProfile, error) {
	query := url.Values{}
	switch {
	case q.Email != "":
		query.Set("email", q.Email)
	case q.FirstName != "" && q.LastName != "":
		query.Set("firstName", q.FirstName)
		query.Set("lastName", q.LastName)
	case q.LoyaltyNumber != "":
		query.Set("loyaltyNumber", q.LoyaltyNumber)
	default:
		return nil, errdefs.Validation("guest search needs email, name pair, or loyalty number")
	}

	var resp apaleoGuestsResponse
	err := c.execute(ctx, "search_guest", resilience.KindQuery, true, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodGet, "/booking/v1/guests", query, nil, "", &resp)
	})
	if err != nil {
		return nil, err
	}
	profiles := make([]GuestProfile, 0, len(resp.Guests))
	for _, g := range resp.Guests {
		profiles = append(profiles, fromApaleoGuest(g))
	}
	return profiles, nil
}

func (c *ApaleoConnector) UpsertGuestProfile(ctx context.Context, profile GuestProfile) (*GuestProfile, error) {
	if profile.FirstName == "" || profile.LastName == "" {
		return nil, errdefs.Validation("guest first and last name are required")
	}
	var resp apaleoGuest
	err := c.execute(ctx, "upsert_guest_profile", resilience.KindTransaction, false, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPut, "/booking/v1/guests", nil, toApaleoGuest(profile), "", &resp)
	})
	if err != nil {
		return nil, err
	}
	out := fromApaleoGuest(resp)
	return &out, nil
}

func (c *ApaleoConnector) StreamArrivals(ctx context.Context, hotelID string, date time.Time) *ReservationStream {
	if hotelID == "" {
		return failedStream(errdefs.Validation("hotel_id is required"))
	}
	query := url.Values{
		"propertyId": {hotelID},
		"arrival":    {FormatDate(date)},
		"pageSize":   {strconv.Itoa(apaleoPageSize)},
	}
	return c.streamReservations(query)
}

func (c *ApaleoConnector) StreamInHouse(ctx context.Context, hotelID string) *ReservationStream {
	if hotelID == "" {
		return failedStream(errdefs.Validation("hotel_id is required"))
	}
	query := url.Values{
		"propertyId": {hotelID},
		"status":     {"InHouse"},
		"pageSize":   {strconv.Itoa(apaleoPageSize)},
	}
	return c.streamReservations(query)
}

func (c *ApaleoConnector) streamReservations(base url.Values) *ReservationStream {
	return newReservationStream(func(ctx context.Context, cursor string) ([]*Reservation, string, error) {
		query := url.Values{}
		for k, v := range base {
			query[k] = v
		}
		if cursor != "" {
			query.Set("cursor", cursor)
		}
		var page apaleoReservationPage
		err := c.execute(ctx, "stream_reservations", resilience.KindQuery, true, func(ctx context.Context) error {
			return c.doJSON(ctx, http.MethodGet, "/booking/v1/reservations", query, nil, "", &page)
		})
		if err != nil {
			return nil, "", err
		}
		items := make([]*Reservation, 0, len(page.Reservations))
		for _, r := range page.Reservations {
			res, err := c.toReservation(r)
			if err != nil {
				return nil, "", err
			}
			items = append(items, res)
		}
		return items, page.Cursor, nil
	})
}

func (c *ApaleoConnector) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{Vendor: "apaleo", Timestamp: time.Now().UTC()}
	err := c.execute(ctx, "health_check", resilience.KindQuery, true, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodGet, "/booking/v1/reservations", url.Values{"pageSize": {"1"}}, nil, "", nil)
	})
	switch {
	case err == nil:
		status.Status = "healthy"
	case errdefs.KindOf(err) == errdefs.KindCircuitOpen:
		status.Status = "degraded"
		status.Error = err.Error()
	default:
		status.Status = "unhealthy"
		status.Error = err.Error()
	}
	return status
}

// ──────────────────────────────────────────────────────────────────────────────
// Transport
// ──────────────────────────────────────────────────────────────────────────────

func (c *ApaleoConnector) execute(ctx context.Context, op string, kind resilience.Kind, idempotent bool, fn func(context.Context) error) error {
	return c.cfg.Exec.Execute(ctx, op, kind, resilience.Options{Idempotent: idempotent, Breaker: "pms"}, fn)
}

// doJSON performs one authenticated vendor call. A 401 invalidates the
// token and retries once with a fresh one. Status decisions consult the
// response status code only.
func (c *ApaleoConnector) doJSON(ctx context.Context, method, path string, query url.Values, body interface{}, idempotencyKey string, out interface{}) error {
	resp, err := c.doOnce(ctx, method, path, query, body, idempotencyKey)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		c.cfg.Tokens.Invalidate()
		resp, err = c.doOnce(ctx, method, path, query, body, idempotencyKey)
		if err != nil {
			return err
		}
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retryAfter := parseRetryAfterHeader(resp.Header.Get("Retry-After"))
		return errdefs.FromHTTPStatus(resp.StatusCode,
			fmt.Sprintf("apaleo %s %s", method, path), retryAfter)
	}
	if out == nil {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return errdefs.Transient("decode apaleo response", err)
	}
	return nil
}

func (c *ApaleoConnector) doOnce(ctx context.Context, method, path string, query url.Values, body interface{}, idempotencyKey string) (*http.Response, error) {
	token, err := c.cfg.Tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, errdefs.Internal("encode apaleo request", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, errdefs.Internal("build apaleo request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errdefs.Timeout("apaleo request timed out")
		}
		if ctx.Err() == context.Canceled {
			return nil, errdefs.Cancelled("apaleo request cancelled")
		}
		return nil, errdefs.Transient("apaleo request failed", err)
	}
	return resp, nil
}

func (c *ApaleoConnector) toReservation(r apaleoReservation) (*Reservation, error) {
	arrival, err := ParseDate(r.Arrival)
	if err != nil {
		return nil, err
	}
	departure, err := ParseDate(r.Departure)
	if err != nil {
		return nil, err
	}
	total, err := ParseMoney(r.TotalGross.Amount)
	if err != nil {
		return nil, err
	}
	created, _ := time.Parse(time.RFC3339, r.Created)
	modified, _ := time.Parse(time.RFC3339, r.Modified)

	return &Reservation{
		ID:                 r.ID,
		ConfirmationNumber: r.BookingID,
		Status:             MapVendorStatus("apaleo", r.Status),
		Arrival:            arrival,
		Departure:          departure,
		RoomType:           r.UnitGroup.Code,
		RateCode:           r.RatePlanCode,
		TotalAmount:        total,
		Currency:           r.TotalGross.Currency,
		Guest:              fromApaleoGuest(r.PrimaryGuest),
		CreatedAt:          created,
		ModifiedAt:         modified,
	}, nil
}

func toApaleoGuest(g GuestProfile) apaleoGuest {
	return apaleoGuest{
		ID:               g.ID,
		Email:            g.Email,
		Phone:            g.Phone,
		FirstName:        g.FirstName,
		LastName:         g.LastName,
		Nationality:      g.Nationality,
		PreferredLocale:  g.Language,
		GDPRConsent:      g.GDPRConsent,
		MarketingConsent: g.MarketingConsent,
	}
}

func fromApaleoGuest(g apaleoGuest) GuestProfile {
	return GuestProfile{
		ID:               g.ID,
		Email:            g.Email,
		Phone:            g.Phone,
		FirstName:        g.FirstName,
		LastName:         g.LastName,
		Nationality:      g.Nationality,
		Language:         g.PreferredLocale,
		GDPRConsent:      g.GDPRConsent,
		MarketingConsent: g.MarketingConsent,
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func parseRetryAfterHeader(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}
