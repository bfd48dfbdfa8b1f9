package hotelapi

import (
	"encoding/json"
	"fmt"
)

// SearchParams filters a hotel search. Zero values are left out of the
// query so the service applies its own defaults.
type SearchParams struct {
	Destination  string   `json:"destination,omitempty" jsonschema:"description=City or area to search (several places may be listed)"`
	CheckInDate  string   `json:"checkInDate,omitempty" jsonschema:"description=Check-in date (YYYY-MM-DD)"`
	CheckOutDate string   `json:"checkOutDate,omitempty" jsonschema:"description=Check-out date (YYYY-MM-DD)"`
	Guests       int      `json:"guests,omitempty" jsonschema:"description=Number of guests,minimum=1"`
	Rooms        int      `json:"rooms,omitempty" jsonschema:"description=Number of rooms,minimum=1"`
	MinPrice     *float64 `json:"minPrice,omitempty" jsonschema:"description=Lowest nightly price"`
	MaxPrice     *float64 `json:"maxPrice,omitempty" jsonschema:"description=Highest nightly price"`
	MinRating    *float64 `json:"minRating,omitempty" jsonschema:"description=Minimum guest rating"`
	SortBy       string   `json:"sortBy,omitempty" jsonschema:"enum=price_low,enum=price_high,enum=rating"`
	Page         int      `json:"page,omitempty" jsonschema:"minimum=1"`
	PageSize     int      `json:"pageSize,omitempty" jsonschema:"minimum=1,maximum=50"`
}

// DetailsParams narrows hotel details to a stay; rooms are listed only when
// both dates are set.
type DetailsParams struct {
	CheckInDate  string `json:"checkInDate,omitempty" jsonschema:"description=Check-in date (YYYY-MM-DD)"`
	CheckOutDate string `json:"checkOutDate,omitempty" jsonschema:"description=Check-out date (YYYY-MM-DD)"`
	Guests       int    `json:"guests,omitempty" jsonschema:"minimum=1"`
}

// AvailabilityParams describes the stay to check rooms for.
type AvailabilityParams struct {
	CheckInDate  string `json:"checkInDate" jsonschema:"required,description=Check-in date (YYYY-MM-DD)"`
	CheckOutDate string `json:"checkOutDate" jsonschema:"required,description=Check-out date (YYYY-MM-DD)"`
	Guests       int    `json:"guests,omitempty" jsonschema:"minimum=1"`
	RoomCount    int    `json:"roomCount,omitempty" jsonschema:"minimum=1"`
}

// Guest is the primary guest of a booking.
type Guest struct {
	FirstName string `json:"firstName" jsonschema:"required"`
	LastName  string `json:"lastName" jsonschema:"required"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// RoomSelection is one room type in a booking.
type RoomSelection struct {
	RoomID   string `json:"roomId" jsonschema:"required"`
	RoomType string `json:"roomType,omitempty"`
	Quantity int    `json:"quantity,omitempty" jsonschema:"minimum=1"`
}

// BookingRequest creates or updates a booking. On update, omitted fields keep
// their stored values.
type BookingRequest struct {
	HotelID         string          `json:"hotelId,omitempty"`
	HotelName       string          `json:"hotelName,omitempty"`
	Rooms           []RoomSelection `json:"rooms,omitempty"`
	CheckInDate     string          `json:"checkInDate,omitempty"`
	CheckOutDate    string          `json:"checkOutDate,omitempty"`
	NumberOfGuests  int             `json:"numberOfGuests,omitempty"`
	PrimaryGuest    *Guest          `json:"primaryGuest,omitempty"`
	SpecialRequests string          `json:"specialRequests,omitempty"`
}

// BookingResult is the reply to create, update and cancel. Details carries
// the stored booking as the service returns it.
type BookingResult struct {
	BookingID          string          `json:"bookingId,omitempty"`
	ConfirmationNumber string          `json:"confirmationNumber,omitempty"`
	Message            string          `json:"message"`
	Details            json.RawMessage `json:"bookingDetails,omitempty"`
}

// APIError is a failure reported by the booking service, either as a
// non-2xx status or as an errorCode body.
type APIError struct {
	Status  int    `json:"status"`
	Code    string `json:"errorCode"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("hotel api: %s (%s, status %d)", e.Message, e.Code, e.Status)
	}
	return fmt.Sprintf("hotel api: %s (status %d)", e.Message, e.Status)
}

// NotFound reports whether the service said the resource does not exist.
func (e *APIError) NotFound() bool {
	return e.Status == 404 || e.Code == "BOOKING_NOT_FOUND"
}
