// Package travel binds the hotel, weather and policy services to agent
// tools and carries the itinerary planner profile.
package travel

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/martinemde/itinerary/agentloop"
	"github.com/martinemde/itinerary/hotelapi"
	"github.com/martinemde/itinerary/policies"
	"github.com/martinemde/itinerary/weather"
)

// HotelService is the booking service surface the tools use. *hotelapi.Client
// implements it.
type HotelService interface {
	SearchHotels(ctx context.Context, p hotelapi.SearchParams) (json.RawMessage, error)
	ResolveHotel(ctx context.Context, name string) (string, error)
	GetHotel(ctx context.Context, hotelID string, p hotelapi.DetailsParams) (json.RawMessage, error)
	CheckAvailability(ctx context.Context, hotelID string, p hotelapi.AvailabilityParams) (json.RawMessage, error)
	CreateBooking(ctx context.Context, userID string, req hotelapi.BookingRequest) (*hotelapi.BookingResult, error)
	ListBookings(ctx context.Context, userID string) (json.RawMessage, error)
	GetBooking(ctx context.Context, userID, bookingID string) (json.RawMessage, error)
	UpdateBooking(ctx context.Context, userID, bookingID string, req hotelapi.BookingRequest) (*hotelapi.BookingResult, error)
	CancelBooking(ctx context.Context, userID, bookingID string) (*hotelapi.BookingResult, error)
}

type Forecaster interface {
	Forecast(ctx context.Context, location string, days int) (*weather.Forecast, error)
}

type PolicySearcher interface {
	Search(ctx context.Context, query, hotelID string, k int) ([]policies.Chunk, error)
}

// Deps are the services behind the tools. A nil service leaves its tools
// unregistered.
type Deps struct {
	Hotels   HotelService
	Weather  Forecaster
	Policies PolicySearcher
}

// ErrNoUser is returned by booking tools called without a caller identity.
var ErrNoUser = errors.New("travel: booking tools need the caller's user id")

type resolveArgs struct {
	Name string `json:"name" jsonschema:"description=Hotel name as the user wrote it"`
}

type hotelDetailsArgs struct {
	HotelID      string `json:"hotelId" jsonschema:"description=Hotel id from search_hotels or resolve_hotel"`
	CheckInDate  string `json:"checkInDate,omitempty" jsonschema:"description=Check-in date (YYYY-MM-DD). Rooms are listed only when both dates are set."`
	CheckOutDate string `json:"checkOutDate,omitempty" jsonschema:"description=Check-out date (YYYY-MM-DD)"`
	Guests       int    `json:"guests,omitempty" jsonschema:"minimum=1"`
}

type availabilityArgs struct {
	HotelID      string `json:"hotelId"`
	CheckInDate  string `json:"checkInDate" jsonschema:"description=Check-in date (YYYY-MM-DD)"`
	CheckOutDate string `json:"checkOutDate" jsonschema:"description=Check-out date (YYYY-MM-DD)"`
	Guests       int    `json:"guests,omitempty" jsonschema:"minimum=1"`
	RoomCount    int    `json:"roomCount,omitempty" jsonschema:"minimum=1"`
}

type bookingIDArgs struct {
	BookingID string `json:"bookingId" jsonschema:"description=Booking id such as BK1A2B3C4D"`
}

type updateBookingArgs struct {
	BookingID       string                   `json:"bookingId"`
	HotelID         string                   `json:"hotelId,omitempty"`
	HotelName       string                   `json:"hotelName,omitempty"`
	Rooms           []hotelapi.RoomSelection `json:"rooms,omitempty"`
	CheckInDate     string                   `json:"checkInDate,omitempty"`
	CheckOutDate    string                   `json:"checkOutDate,omitempty"`
	NumberOfGuests  int                      `json:"numberOfGuests,omitempty"`
	PrimaryGuest    *hotelapi.Guest          `json:"primaryGuest,omitempty"`
	SpecialRequests string                   `json:"specialRequests,omitempty"`
}

type forecastArgs struct {
	Location string `json:"location" jsonschema:"description=City name or coordinates"`
	Days     int    `json:"days,omitempty" jsonschema:"minimum=1,maximum=10,description=Number of forecast days (default 3)"`
}

type policyArgs struct {
	Query   string `json:"query" jsonschema:"description=Question about a hotel policy such as pets or check-out"`
	HotelID string `json:"hotelId,omitempty" jsonschema:"description=Restrict the search to one hotel"`
	Limit   int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=10"`
}

type noArgs struct{}

// RegisterTools adds every tool whose service is present in deps and
// returns the names registered.
func RegisterTools(reg *agentloop.ToolRegistry, deps Deps) []string {
	var tools []agentloop.RegisteredTool
	if h := deps.Hotels; h != nil {
		tools = append(tools, hotelTools(h)...)
		tools = append(tools, bookingTools(h)...)
	}
	if w := deps.Weather; w != nil {
		tools = append(tools, agentloop.NewTool("get_weather_forecast",
			"Get the current weather and a daily forecast for a location.",
			func(ctx context.Context, a forecastArgs) (any, error) {
				days := a.Days
				if days == 0 {
					days = 3
				}
				return w.Forecast(ctx, a.Location, days)
			}))
	}
	if p := deps.Policies; p != nil {
		tools = append(tools, agentloop.NewTool("search_hotel_policies",
			"Search hotel policy documents (pets, cancellation, check-in and check-out, fees).",
			func(ctx context.Context, a policyArgs) (any, error) {
				chunks, err := p.Search(ctx, a.Query, a.HotelID, a.Limit)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{"results": chunks}, nil
			}))
	}

	names := make([]string, 0, len(tools))
	for _, t := range tools {
		reg.Register(t)
		names = append(names, t.Definition.Name)
	}
	return names
}

func hotelTools(h HotelService) []agentloop.RegisteredTool {
	return []agentloop.RegisteredTool{
		agentloop.NewTool("search_hotels",
			"Search hotels by destination, dates, party size, price, rating and sort order.",
			func(ctx context.Context, p hotelapi.SearchParams) (any, error) {
				return h.SearchHotels(ctx, p)
			}),
		agentloop.NewTool("resolve_hotel",
			"Find the hotel id for a hotel name.",
			func(ctx context.Context, a resolveArgs) (any, error) {
				id, err := h.ResolveHotel(ctx, a.Name)
				if err != nil {
					return nil, err
				}
				if id == "" {
					return map[string]interface{}{"hotelId": nil, "message": "no hotel matched that name"}, nil
				}
				return map[string]string{"hotelId": id}, nil
			}),
		agentloop.NewTool("get_hotel_details",
			"Get a hotel's description, amenities and photos, plus rooms for the given dates.",
			func(ctx context.Context, a hotelDetailsArgs) (any, error) {
				if err := requireField("hotelId", a.HotelID); err != nil {
					return nil, err
				}
				return h.GetHotel(ctx, a.HotelID, hotelapi.DetailsParams{
					CheckInDate: a.CheckInDate, CheckOutDate: a.CheckOutDate, Guests: a.Guests,
				})
			}),
		agentloop.NewTool("check_availability",
			"List rooms of a hotel that can hold the party for the given dates.",
			func(ctx context.Context, a availabilityArgs) (any, error) {
				if err := requireField("hotelId", a.HotelID); err != nil {
					return nil, err
				}
				return h.CheckAvailability(ctx, a.HotelID, hotelapi.AvailabilityParams{
					CheckInDate: a.CheckInDate, CheckOutDate: a.CheckOutDate, Guests: a.Guests, RoomCount: a.RoomCount,
				})
			}),
	}
}

func bookingTools(h HotelService) []agentloop.RegisteredTool {
	return []agentloop.RegisteredTool{
		agentloop.NewTool("create_booking",
			"Book rooms at a hotel for the current user. Confirm the details with the user first.",
			func(ctx context.Context, req hotelapi.BookingRequest) (any, error) {
				user, err := userID(ctx)
				if err != nil {
					return nil, err
				}
				return h.CreateBooking(ctx, user, req)
			}),
		agentloop.NewTool("list_bookings",
			"List the current user's bookings.",
			func(ctx context.Context, _ noArgs) (any, error) {
				user, err := userID(ctx)
				if err != nil {
					return nil, err
				}
				return h.ListBookings(ctx, user)
			}),
		agentloop.NewTool("get_booking",
			"Get one of the current user's bookings.",
			func(ctx context.Context, a bookingIDArgs) (any, error) {
				user, err := userID(ctx)
				if err != nil {
					return nil, err
				}
				return h.GetBooking(ctx, user, a.BookingID)
			}),
		agentloop.NewTool("update_booking",
			"Change dates, rooms, guests or requests of one of the current user's bookings.",
			func(ctx context.Context, a updateBookingArgs) (any, error) {
				user, err := userID(ctx)
				if err != nil {
					return nil, err
				}
				return h.UpdateBooking(ctx, user, a.BookingID, hotelapi.BookingRequest{
					HotelID:         a.HotelID,
					HotelName:       a.HotelName,
					Rooms:           a.Rooms,
					CheckInDate:     a.CheckInDate,
					CheckOutDate:    a.CheckOutDate,
					NumberOfGuests:  a.NumberOfGuests,
					PrimaryGuest:    a.PrimaryGuest,
					SpecialRequests: a.SpecialRequests,
				})
			}),
		agentloop.NewTool("cancel_booking",
			"Cancel one of the current user's bookings.",
			func(ctx context.Context, a bookingIDArgs) (any, error) {
				user, err := userID(ctx)
				if err != nil {
					return nil, err
				}
				return h.CancelBooking(ctx, user, a.BookingID)
			}),
	}
}

func userID(ctx context.Context) (string, error) {
	id, ok := agentloop.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(id.UserID) == "" {
		return "", ErrNoUser
	}
	return id.UserID, nil
}

func requireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return errors.Errorf("%s is required", name)
	}
	return nil
}
