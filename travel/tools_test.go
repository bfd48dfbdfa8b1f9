package travel

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/itinerary/agentloop"
	"github.com/martinemde/itinerary/hotelapi"
	"github.com/martinemde/itinerary/policies"
	"github.com/martinemde/itinerary/weather"
)

type fakeHotels struct {
	search   hotelapi.SearchParams
	user     string
	booking  hotelapi.BookingRequest
	bookedID string
}

func (f *fakeHotels) SearchHotels(_ context.Context, p hotelapi.SearchParams) (json.RawMessage, error) {
	f.search = p
	return json.RawMessage(`{"hotels":[{"hotelId":"h1"}]}`), nil
}

func (f *fakeHotels) ResolveHotel(_ context.Context, name string) (string, error) {
	if name == "Le Marais Inn" {
		return "h1", nil
	}
	return "", nil
}

func (f *fakeHotels) GetHotel(_ context.Context, id string, _ hotelapi.DetailsParams) (json.RawMessage, error) {
	return json.RawMessage(`{"hotel":{"hotelId":"` + id + `"}}`), nil
}

func (f *fakeHotels) CheckAvailability(_ context.Context, id string, p hotelapi.AvailabilityParams) (json.RawMessage, error) {
	return json.RawMessage(`{"hotelId":"` + id + `","totalAvailable":1}`), nil
}

func (f *fakeHotels) CreateBooking(_ context.Context, user string, req hotelapi.BookingRequest) (*hotelapi.BookingResult, error) {
	f.user, f.booking = user, req
	return &hotelapi.BookingResult{BookingID: "BK1", Message: "Booking confirmed successfully"}, nil
}

func (f *fakeHotels) ListBookings(_ context.Context, user string) (json.RawMessage, error) {
	f.user = user
	return json.RawMessage(`[]`), nil
}

func (f *fakeHotels) GetBooking(_ context.Context, user, id string) (json.RawMessage, error) {
	f.user, f.bookedID = user, id
	return json.RawMessage(`{"bookingId":"` + id + `"}`), nil
}

func (f *fakeHotels) UpdateBooking(_ context.Context, user, id string, req hotelapi.BookingRequest) (*hotelapi.BookingResult, error) {
	f.user, f.bookedID, f.booking = user, id, req
	return &hotelapi.BookingResult{Message: "Booking updated successfully"}, nil
}

func (f *fakeHotels) CancelBooking(_ context.Context, user, id string) (*hotelapi.BookingResult, error) {
	f.user, f.bookedID = user, id
	return &hotelapi.BookingResult{Message: "Booking cancelled successfully"}, nil
}

type fakeWeather struct{ days int }

func (f *fakeWeather) Forecast(_ context.Context, location string, days int) (*weather.Forecast, error) {
	f.days = days
	return &weather.Forecast{Location: location}, nil
}

type fakePolicies struct{}

func (fakePolicies) Search(_ context.Context, query, hotelID string, k int) ([]policies.Chunk, error) {
	return []policies.Chunk{{HotelID: hotelID, Text: "No pets."}}, nil
}

func call(t *testing.T, reg *agentloop.ToolRegistry, ctx context.Context, name, args string) (any, error) {
	t.Helper()
	tool := reg.Get(name)
	require.NotNil(t, tool, "tool %s not registered", name)
	return tool.Executor(ctx, json.RawMessage(args))
}

func withUser(id string) context.Context {
	return agentloop.WithIdentity(context.Background(), agentloop.SessionIdentity{UserID: id, SessionID: "s"})
}

func TestRegisterToolsByDependency(t *testing.T) {
	reg := agentloop.NewToolRegistry()
	names := RegisterTools(reg, Deps{Hotels: &fakeHotels{}})
	assert.Len(t, names, 9)
	assert.Nil(t, reg.Get("get_weather_forecast"))
	assert.Nil(t, reg.Get("search_hotel_policies"))

	reg = agentloop.NewToolRegistry()
	RegisterTools(reg, Deps{Hotels: &fakeHotels{}, Weather: &fakeWeather{}, Policies: fakePolicies{}})
	assert.Equal(t, []string{
		"cancel_booking", "check_availability", "create_booking", "get_booking", "get_hotel_details",
		"get_weather_forecast", "list_bookings", "resolve_hotel", "search_hotel_policies",
		"search_hotels", "update_booking",
	}, reg.Names())
}

func TestSearchHotelsDecodesArguments(t *testing.T) {
	hotels := &fakeHotels{}
	reg := agentloop.NewToolRegistry()
	RegisterTools(reg, Deps{Hotels: hotels})

	out, err := call(t, reg, context.Background(), "search_hotels", `{"destination":"Paris","guests":"2","maxPrice":200,"sortBy":"rating"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"hotels":[{"hotelId":"h1"}]}`, string(out.(json.RawMessage)))
	assert.Equal(t, "Paris", hotels.search.Destination)
	assert.Equal(t, 2, hotels.search.Guests)
	require.NotNil(t, hotels.search.MaxPrice)
	assert.InDelta(t, 200.0, *hotels.search.MaxPrice, 0.001)
	assert.Nil(t, hotels.search.MinPrice)
}

func TestBookingToolsUseCallerIdentity(t *testing.T) {
	hotels := &fakeHotels{}
	reg := agentloop.NewToolRegistry()
	RegisterTools(reg, Deps{Hotels: hotels})

	_, err := call(t, reg, withUser("u-42"), "create_booking",
		`{"hotelId":"h1","checkInDate":"2025-06-01","checkOutDate":"2025-06-03","numberOfGuests":2,
		  "rooms":[{"roomId":"r1","quantity":1}],"primaryGuest":{"firstName":"Ada","lastName":"Lovelace"}}`)
	require.NoError(t, err)
	assert.Equal(t, "u-42", hotels.user)
	assert.Equal(t, "h1", hotels.booking.HotelID)
	require.Len(t, hotels.booking.Rooms, 1)
	assert.Equal(t, "r1", hotels.booking.Rooms[0].RoomID)
	assert.Equal(t, "Ada", hotels.booking.PrimaryGuest.FirstName)

	_, err = call(t, reg, withUser("u-42"), "update_booking", `{"bookingId":"BK1","specialRequests":"late arrival"}`)
	require.NoError(t, err)
	assert.Equal(t, "BK1", hotels.bookedID)
	assert.Equal(t, "late arrival", hotels.booking.SpecialRequests)

	_, err = call(t, reg, context.Background(), "list_bookings", `{}`)
	assert.ErrorIs(t, err, ErrNoUser)
}

func TestResolveHotelNoMatch(t *testing.T) {
	reg := agentloop.NewToolRegistry()
	RegisterTools(reg, Deps{Hotels: &fakeHotels{}})

	out, err := call(t, reg, context.Background(), "resolve_hotel", `{"name":"Nowhere"}`)
	require.NoError(t, err)
	assert.Contains(t, out.(map[string]interface{}), "message")

	_, err = call(t, reg, context.Background(), "get_hotel_details", `{"hotelId":" "}`)
	require.Error(t, err)
}

func TestWeatherDefaultsToThreeDays(t *testing.T) {
	w := &fakeWeather{}
	reg := agentloop.NewToolRegistry()
	RegisterTools(reg, Deps{Weather: w})

	_, err := call(t, reg, context.Background(), "get_weather_forecast", `{"location":"Paris"}`)
	require.NoError(t, err)
	assert.Equal(t, 3, w.days)
}

func TestToolSchemas(t *testing.T) {
	reg := agentloop.NewToolRegistry()
	RegisterTools(reg, Deps{Hotels: &fakeHotels{}, Policies: fakePolicies{}})

	schema := reg.Get("check_availability").Definition.Parameters
	assert.Equal(t, "object", schema["type"])
	assert.ElementsMatch(t, []interface{}{"hotelId", "checkInDate", "checkOutDate"}, schema["required"])

	props := reg.Get("search_hotel_policies").Definition.Parameters["properties"].(map[string]interface{})
	assert.Contains(t, props, "query")
	assert.Contains(t, props, "hotelId")

	listProps := reg.Get("list_bookings").Definition.Parameters["properties"]
	assert.Empty(t, listProps)
}

func TestLoadProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: coastal-planner\ndirective: |\n  Plan seaside trips.\ntemperature: 0.2\n"), 0o600))

	base := DefaultProfile("openai", "gpt-4o-mini")
	p, err := LoadProfile(path, base)
	require.NoError(t, err)
	assert.Equal(t, "coastal-planner", p.Name)
	assert.Equal(t, "Plan seaside trips.\n", p.Directive)
	assert.Equal(t, "gpt-4o-mini", p.Model)
	require.NotNil(t, p.Temperature)
	assert.InDelta(t, 0.2, *p.Temperature, 1e-9)
	assert.True(t, p.ParallelToolCalls)

	_, err = LoadProfile(filepath.Join(t.TempDir(), "missing.yaml"), base)
	require.Error(t, err)
}

func TestDefaultProfileDirective(t *testing.T) {
	p := DefaultProfile("openai", "gpt-4o-mini")
	assert.Contains(t, p.Directive, "planning trip itineraries")
	assert.Equal(t, "itinerary-planner", p.Name)
}
