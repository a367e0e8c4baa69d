package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/voicehive/backend/internal/errdefs"
	"github.com/voicehive/backend/internal/pms"
)

// HandleAvailability serves GET /v1/pms/availability.
func HandleAvailability(conn pms.Connector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		start, err := pms.ParseDate(q.Get("start"))
		if err != nil {
			writeError(w, err)
			return
		}
		end, err := pms.ParseDate(q.Get("end"))
		if err != nil {
			writeError(w, err)
			return
		}
		grid, err := conn.GetAvailability(r.Context(), pms.AvailabilityQuery{
			HotelID:    q.Get("hotel_id"),
			Start:      start,
			End:        end,
			GuestCount: intParam(q.Get("guests"), 1),
			RoomType:   q.Get("room_type"),
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, grid)
	}
}

// HandleQuoteRate serves GET /v1/pms/rates/quote.
func HandleQuoteRate(conn pms.Connector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		arrival, err := pms.ParseDate(q.Get("arrival"))
		if err != nil {
			writeError(w, err)
			return
		}
		departure, err := pms.ParseDate(q.Get("departure"))
		if err != nil {
			writeError(w, err)
			return
		}
		quote, err := conn.QuoteRate(r.Context(), pms.RateQuery{
			HotelID:    q.Get("hotel_id"),
			RoomType:   q.Get("room_type"),
			RateCode:   q.Get("rate_code"),
			Arrival:    arrival,
			Departure:  departure,
			GuestCount: intParam(q.Get("guests"), 1),
			Currency:   q.Get("currency"),
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, quote)
	}
}

type createReservationBody struct {
	HotelID    string           `json:"hotel_id"`
	Guest      pms.GuestProfile `json:"guest"`
	RoomType   string           `json:"room_type"`
	RateCode   string           `json:"rate_code"`
	Arrival    string           `json:"arrival"`
	Departure  string           `json:"departure"`
	GuestCount int              `json:"guest_count"`
	Amount     string           `json:"amount"`
	Currency   string           `json:"currency"`
}

// HandleCreateReservation serves POST /v1/pms/reservations. The
// Idempotency-Key header dedupes retried bookings.
func HandleCreateReservation(conn pms.Connector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body createReservationBody
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			writeError(w, errdefs.Validation("Idempotency-Key header is required"))
			return
		}
		arrival, err := pms.ParseDate(body.Arrival)
		if err != nil {
			writeError(w, err)
			return
		}
		departure, err := pms.ParseDate(body.Departure)
		if err != nil {
			writeError(w, err)
			return
		}
		amount, err := pms.ParseMoney(body.Amount)
		if err != nil {
			writeError(w, err)
			return
		}
		res, err := conn.CreateReservation(r.Context(), pms.CreateReservationRequest{
			HotelID:        body.HotelID,
			Guest:          body.Guest,
			RoomType:       body.RoomType,
			RateCode:       body.RateCode,
			Arrival:        arrival,
			Departure:      departure,
			GuestCount:     body.GuestCount,
			Amount:         amount,
			Currency:       body.Currency,
			IdempotencyKey: key,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, res)
	}
}

// HandleGetReservation serves GET /v1/pms/reservations/{id}.
func HandleGetReservation(conn pms.Connector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := conn.GetReservation(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// HandleModifyReservation serves PATCH /v1/pms/reservations/{id}.
func HandleModifyReservation(conn pms.Connector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Arrival   *string `json:"arrival,omitempty"`
			Departure *string `json:"departure,omitempty"`
			RoomType  *string `json:"room_type,omitempty"`
			RateCode  *string `json:"rate_code,omitempty"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
		var patch pms.ReservationPatch
		if body.Arrival != nil {
			t, err := pms.ParseDate(*body.Arrival)
			if err != nil {
				writeError(w, err)
				return
			}
			patch.Arrival = &t
		}
		if body.Departure != nil {
			t, err := pms.ParseDate(*body.Departure)
			if err != nil {
				writeError(w, err)
				return
			}
			patch.Departure = &t
		}
		patch.RoomType = body.RoomType
		patch.RateCode = body.RateCode

		res, err := conn.ModifyReservation(r.Context(), mux.Vars(r)["id"], patch)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// HandleCancelReservation serves POST /v1/pms/reservations/{id}/cancel.
func HandleCancelReservation(conn pms.Connector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
		id := mux.Vars(r)["id"]
		if err := conn.CancelReservation(r.Context(), id, body.Reason); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "cancelled"})
	}
}

// HandleSearchGuest serves GET /v1/pms/guests.
func HandleSearchGuest(conn pms.Connector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		guests, err := conn.SearchGuest(r.Context(), pms.GuestQuery{
			Email:         q.Get("email"),
			FirstName:     q.Get("first_name"),
			LastName:      q.Get("last_name"),
			LoyaltyNumber: q.Get("loyalty_number"),
		})
		if err != nil {
			writeError(w, err)
			return
		}
		if guests == nil {
			guests = []pms.GuestProfile{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"guests": guests,
			"total":  len(guests),
		})
	}
}

// HandleUpsertGuest serves PUT /v1/pms/guests.
func HandleUpsertGuest(conn pms.Connector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var profile pms.GuestProfile
		if err := decodeJSON(r, &profile); err != nil {
			writeError(w, err)
			return
		}
		saved, err := conn.UpsertGuestProfile(r.Context(), profile)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	}
}

// HandleArrivals serves GET /v1/pms/arrivals, draining the reservation
// stream for the requested date.
func HandleArrivals(conn pms.Connector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		date := time.Now().UTC().Truncate(24 * time.Hour)
		if raw := q.Get("date"); raw != "" {
			parsed, err := pms.ParseDate(raw)
			if err != nil {
				writeError(w, err)
				return
			}
			date = parsed
		}
		stream := conn.StreamArrivals(r.Context(), q.Get("hotel_id"), date)
		arrivals, err := stream.Collect(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"date":     pms.FormatDate(date),
			"arrivals": arrivals,
			"total":    len(arrivals),
		})
	}
}

// HandleInHouse serves GET /v1/pms/inhouse.
func HandleInHouse(conn pms.Connector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stream := conn.StreamInHouse(r.Context(), r.URL.Query().Get("hotel_id"))
		guests, err := stream.Collect(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"reservations": guests,
			"total":        len(guests),
		})
	}
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n := 0
	for _, c := range raw {
		if c < '0' || c > '9' {
			return fallback
		}
		n = n*10 + int(c-'0')
	}
	if n == 0 {
		return fallback
	}
	return n
}
