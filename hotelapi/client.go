// Package hotelapi is a client for the hotel search and booking service.
package hotelapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// UserHeader carries the caller's user id on booking calls.
const UserHeader = "x-user-id"

const maxResponseBytes = 4 << 20

// Client talks to the booking service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client for the service at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SearchHotels returns the service's search result document.
func (c *Client) SearchHotels(ctx context.Context, p SearchParams) (json.RawMessage, error) {
	q := url.Values{}
	setString(q, "destination", p.Destination)
	setString(q, "checkInDate", p.CheckInDate)
	setString(q, "checkOutDate", p.CheckOutDate)
	setInt(q, "guests", p.Guests)
	setInt(q, "rooms", p.Rooms)
	setFloat(q, "minPrice", p.MinPrice)
	setFloat(q, "maxPrice", p.MaxPrice)
	setFloat(q, "minRating", p.MinRating)
	setString(q, "sortBy", p.SortBy)
	setInt(q, "page", p.Page)
	setInt(q, "pageSize", p.PageSize)

	var out json.RawMessage
	err := c.do(ctx, http.MethodGet, "/hotels/search", q, "", nil, &out)
	return out, err
}

// ResolveHotel maps a hotel name to its id. An empty id means no hotel
// matched closely enough.
func (c *Client) ResolveHotel(ctx context.Context, name string) (string, error) {
	var out struct {
		HotelID *string `json:"hotelId"`
	}
	if err := c.do(ctx, http.MethodGet, "/hotels/resolve", url.Values{"name": {name}}, "", nil, &out); err != nil {
		return "", err
	}
	if out.HotelID == nil {
		return "", nil
	}
	return *out.HotelID, nil
}

func (c *Client) GetHotel(ctx context.Context, hotelID string, p DetailsParams) (json.RawMessage, error) {
	q := url.Values{}
	setString(q, "checkInDate", p.CheckInDate)
	setString(q, "checkOutDate", p.CheckOutDate)
	setInt(q, "guests", p.Guests)

	var out json.RawMessage
	err := c.do(ctx, http.MethodGet, "/hotels/"+url.PathEscape(hotelID), q, "", nil, &out)
	return out, err
}

func (c *Client) CheckAvailability(ctx context.Context, hotelID string, p AvailabilityParams) (json.RawMessage, error) {
	q := url.Values{}
	setString(q, "checkInDate", p.CheckInDate)
	setString(q, "checkOutDate", p.CheckOutDate)
	setInt(q, "guests", p.Guests)
	setInt(q, "roomCount", p.RoomCount)

	var out json.RawMessage
	err := c.do(ctx, http.MethodGet, "/hotels/"+url.PathEscape(hotelID)+"/availability", q, "", nil, &out)
	return out, err
}

func (c *Client) CreateBooking(ctx context.Context, userID string, req BookingRequest) (*BookingResult, error) {
	var out BookingResult
	if err := c.do(ctx, http.MethodPost, "/bookings", nil, userID, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListBookings returns the caller's bookings as stored by the service.
func (c *Client) ListBookings(ctx context.Context, userID string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, http.MethodGet, "/bookings", nil, userID, nil, &out)
	return out, err
}

func (c *Client) GetBooking(ctx context.Context, userID, bookingID string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, http.MethodGet, "/bookings/"+url.PathEscape(bookingID), nil, userID, nil, &out)
	return out, err
}

func (c *Client) UpdateBooking(ctx context.Context, userID, bookingID string, req BookingRequest) (*BookingResult, error) {
	var out BookingResult
	if err := c.do(ctx, http.MethodPut, "/bookings/"+url.PathEscape(bookingID), nil, userID, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CancelBooking(ctx context.Context, userID, bookingID string) (*BookingResult, error) {
	var out BookingResult
	if err := c.do(ctx, http.MethodDelete, "/bookings/"+url.PathEscape(bookingID), nil, userID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, userID string, body, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "hotel api: encode request")
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return errors.Wrapf(err, "hotel api: build %s %s", method, path)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set(UserHeader, userID)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "hotel api: %s %s", method, path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return errors.Wrapf(err, "hotel api: read %s %s", method, path)
	}
	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("hotel api call")

	if apiErr := parseError(resp.StatusCode, raw); apiErr != nil {
		return apiErr
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	return errors.Wrapf(json.Unmarshal(raw, out), "hotel api: decode %s %s", method, path)
}

// parseError recognises failures. The service reports some of them with a
// 200 status and an errorCode body.
func parseError(status int, raw []byte) *APIError {
	var body struct {
		Message   string `json:"message"`
		ErrorCode string `json:"errorCode"`
		Detail    string `json:"detail"`
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		_ = json.Unmarshal(trimmed, &body)
	}

	if status >= 200 && status < 300 {
		if body.ErrorCode == "" {
			return nil
		}
		return &APIError{Status: status, Code: body.ErrorCode, Message: body.Message}
	}

	msg := body.Message
	if msg == "" {
		msg = body.Detail
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{Status: status, Code: body.ErrorCode, Message: msg}
}

func setString(q url.Values, key, v string) {
	if v != "" {
		q.Set(key, v)
	}
}

func setInt(q url.Values, key string, v int) {
	if v != 0 {
		q.Set(key, strconv.Itoa(v))
	}
}

func setFloat(q url.Values, key string, v *float64) {
	if v != nil {
		q.Set(key, strconv.FormatFloat(*v, 'f', -1, 64))
	}
}
