package pms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/voicehive/backend/internal/circuitbreaker"
	"github.com/voicehive/backend/internal/errdefs"
	"github.com/voicehive/backend/internal/resilience"
)

// staticTokenSource counts refreshes.
type staticTokenSource struct {
	token   string
	expiry  time.Time
	fetches atomic.Int64
}

func (s *staticTokenSource) Token() (*oauth2.Token, error) {
	s.fetches.Add(1)
	return &oauth2.Token{AccessToken: s.token, Expiry: s.expiry}, nil
}

func testConnector(t *testing.T, handler http.Handler) (*ApaleoConnector, *staticTokenSource) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	source := &staticTokenSource{token: "tok-1", expiry: time.Now().Add(time.Hour)}
	breakers := circuitbreaker.NewManager(&circuitbreaker.Config{
		FailureThreshold: 5,
		Window:           time.Minute,
		RecoveryTimeout:  time.Minute,
	}, nil)
	exec := resilience.NewExecutor("pms", breakers, resilience.Defaults{
		Deadline:   5 * time.Second,
		MaxRetries: 0,
	})
	return NewApaleoConnector(ApaleoConfig{
		BaseURL: srv.URL,
		Tokens:  NewTokenProvider(source),
		Client:  srv.Client(),
		Exec:    exec,
	}), source
}

func TestGetAvailabilityHappyPath(t *testing.T) {
	conn, _ := testConnector(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/availability/v1/unit-groups", req.URL.Path)
		assert.Equal(t, "DEMO01", req.URL.Query().Get("propertyId"))
		assert.Equal(t, "2024-06-01", req.URL.Query().Get("from"))
		assert.Equal(t, "Bearer tok-1", req.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"unitGroups": []map[string]interface{}{
				{"code": "STD", "maxPersons": 2},
				{"code": "DLX", "maxPersons": 4},
			},
			"items": []map[string]interface{}{
				{"unitGroupCode": "STD", "date": "2024-06-01", "available": 5, "rate": map[string]interface{}{"amount": "100.00", "currency": "EUR"}},
			},
		})
	}))

	start, _ := ParseDate("2024-06-01")
	end, _ := ParseDate("2024-06-02")
	grid, err := conn.GetAvailability(context.Background(), AvailabilityQuery{
		HotelID: "DEMO01", Start: start, End: end, GuestCount: 2,
	})
	require.NoError(t, err)
	require.Len(t, grid.RoomTypes, 2)
	assert.Equal(t, RoomType{Code: "STD", MaxOccupancy: 2}, grid.RoomTypes[0])
	assert.Equal(t, RoomType{Code: "DLX", MaxOccupancy: 4}, grid.RoomTypes[1])

	day := grid.Availability["STD"]["2024-06-01"]
	assert.Equal(t, 5, day.Available)
	assert.True(t, day.Rate.Equal(decimal.RequireFromString("100.00")), "rate was %s", day.Rate)
}

func TestQuoteRateFixedPointTotals(t *testing.T) {
	conn, _ := testConnector(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"offers": []map[string]interface{}{{
				"unitGroup":        map[string]interface{}{"code": "STD"},
				"ratePlanCode":     "BAR",
				"totalGrossAmount": map[string]interface{}{"amount": "220.00", "currency": "EUR"},
				"taxDetails": []map[string]interface{}{
					{"amount": map[string]interface{}{"amount": "20.00"}},
				},
				"cancellationPolicy": map[string]interface{}{"description": "Free cancellation until 18:00 on arrival day"},
			}},
		})
	}))

	arrival, _ := ParseDate("2024-03-30")
	departure, _ := ParseDate("2024-04-01")
	quote, err := conn.QuoteRate(context.Background(), RateQuery{
		HotelID: "DEMO01", RoomType: "STD", RateCode: "BAR",
		Arrival: arrival, Departure: departure, GuestCount: 2, Currency: "EUR",
	})
	require.NoError(t, err)
	assert.True(t, quote.Total.Equal(decimal.RequireFromString("220.00")))
	assert.True(t, quote.Taxes.Equal(decimal.RequireFromString("20.00")))
	assert.True(t, quote.Fees.IsZero())
	assert.Contains(t, quote.CancellationPolicy, "Free cancellation")
}

func TestCreateReservationSendsIdempotencyKey(t *testing.T) {
	var gotKey string
	conn, _ := testConnector(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotKey = req.Header.Get("Idempotency-Key")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "RES-1", "bookingId": "BK-1", "status": "Confirmed",
			"arrival": "2024-06-01", "departure": "2024-06-02",
			"unitGroup":        map[string]interface{}{"code": "STD"},
			"ratePlanCode":     "BAR",
			"totalGrossAmount": map[string]interface{}{"amount": "100.00", "currency": "EUR"},
			"primaryGuest":     map[string]interface{}{"firstName": "Ada", "lastName": "Lovelace"},
		})
	}))

	arrival, _ := ParseDate("2024-06-01")
	departure, _ := ParseDate("2024-06-02")
	res, err := conn.CreateReservation(context.Background(), CreateReservationRequest{
		HotelID: "DEMO01", RoomType: "STD", RateCode: "BAR",
		Arrival: arrival, Departure: departure, GuestCount: 2,
		Amount: decimal.RequireFromString("100.00"), Currency: "EUR",
		Guest:          GuestProfile{FirstName: "Ada", LastName: "Lovelace", GDPRConsent: true},
		IdempotencyKey: "idem-42",
	})
	require.NoError(t, err)
	assert.Equal(t, "idem-42", gotKey)
	assert.Equal(t, "RES-1", res.ID)
	assert.Equal(t, StatusConfirmed, res.Status)
}

func TestCreateReservationRequiresIdempotencyKey(t *testing.T) {
	conn, _ := testConnector(t, http.NotFoundHandler())
	arrival, _ := ParseDate("2024-06-01")
	departure, _ := ParseDate("2024-06-02")
	_, err := conn.CreateReservation(context.Background(), CreateReservationRequest{
		HotelID: "DEMO01", Arrival: arrival, Departure: departure,
	})
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))
}

func TestVendorStatusMapping(t *testing.T) {
	assert.Equal(t, StatusCancelled, MapVendorStatus("apaleo", "Canceled"))
	assert.Equal(t, StatusCancelled, MapVendorStatus("apaleo", "cancelled"))
	assert.Equal(t, StatusConfirmed, MapVendorStatus("apaleo", "Confirmed"))
	assert.Equal(t, StatusCheckedIn, MapVendorStatus("apaleo", "InHouse"))
	assert.Equal(t, StatusUnknown, MapVendorStatus("apaleo", "SomethingNew"))
}

func TestUnauthorizedRefreshesTokenAndRetriesOnce(t *testing.T) {
	var calls atomic.Int64
	conn, source := testConnector(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "RES-2", "bookingId": "BK-2", "status": "Confirmed",
			"arrival": "2024-06-01", "departure": "2024-06-02",
			"unitGroup":        map[string]interface{}{"code": "STD"},
			"totalGrossAmount": map[string]interface{}{"amount": "90.00", "currency": "EUR"},
			"primaryGuest":     map[string]interface{}{"firstName": "A", "lastName": "B"},
		})
	}))

	res, err := conn.GetReservation(context.Background(), "RES-2")
	require.NoError(t, err)
	assert.Equal(t, "RES-2", res.ID)
	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, int64(2), source.fetches.Load(), "401 must force a fresh token fetch")
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	conn, _ := testConnector(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := conn.GetReservation(context.Background(), "RES-X")
	assert.Equal(t, errdefs.KindRateLimited, errdefs.KindOf(err))
	assert.Equal(t, 3*time.Second, errdefs.RetryAfterOf(err))
}

func TestNotFoundMapsCleanly(t *testing.T) {
	conn, _ := testConnector(t, http.NotFoundHandler())
	_, err := conn.GetReservation(context.Background(), "missing")
	assert.Equal(t, errdefs.KindNotFound, errdefs.KindOf(err))
}

func TestStreamArrivalsFollowsCursor(t *testing.T) {
	reservation := func(id string) map[string]interface{} {
		return map[string]interface{}{
			"id": id, "bookingId": "BK-" + id, "status": "Confirmed",
			"arrival": "2024-06-01", "departure": "2024-06-02",
			"unitGroup":        map[string]interface{}{"code": "STD"},
			"totalGrossAmount": map[string]interface{}{"amount": "100.00", "currency": "EUR"},
			"primaryGuest":     map[string]interface{}{"firstName": "A", "lastName": "B"},
		}
	}
	conn, _ := testConnector(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Query().Get("cursor") {
		case "":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"reservations": []interface{}{reservation("R1"), reservation("R2")},
				"cursor":       "page2",
			})
		case "page2":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"reservations": []interface{}{reservation("R3")},
			})
		default:
			t.Errorf("unexpected cursor %q", req.URL.Query().Get("cursor"))
		}
	}))

	date, _ := ParseDate("2024-06-01")
	stream := conn.StreamArrivals(context.Background(), "DEMO01", date)
	all, err := stream.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "R1", all[0].ID)
	assert.Equal(t, "R3", all[2].ID)
}

func TestStreamCancellationStopsAtPageBoundary(t *testing.T) {
	conn, _ := testConnector(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"reservations": []interface{}{},
			"cursor":       "more",
		})
	}))

	ctx, cancel := context.WithCancel(context.Background())
	stream := conn.StreamInHouse(ctx, "DEMO01")
	cancel()

	_, err := stream.Next(ctx)
	assert.Equal(t, errdefs.KindCancelled, errdefs.KindOf(err))
}

func TestParseDateFormats(t *testing.T) {
	date, err := ParseDate("2024-03-30")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-30", FormatDate(date))

	// Datetimes truncate to the stay date.
	dt, err := ParseDate("2024-03-30T15:04:05Z")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-30", FormatDate(dt))

	_, err = ParseDate("30/03/2024")
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))
}

func TestParseMoneyNormalization(t *testing.T) {
	withSep, err := ParseMoney("1,234.56")
	require.NoError(t, err)
	plain, err := ParseMoney("1234.56")
	require.NoError(t, err)
	assert.True(t, withSep.Equal(plain))
	assert.Equal(t, "1234.56", withSep.StringFixed(2))

	// Integer inputs widen with two implicit fraction digits.
	widened, err := ParseMoney(12345)
	require.NoError(t, err)
	assert.Equal(t, "123.45", widened.StringFixed(2))

	_, err = ParseMoney("not-money")
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))
}
