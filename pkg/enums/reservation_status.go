package enums

// ReservationStatus maps to stock_reservations.status.
type ReservationStatus string

const (
	ReservationStatusReserved ReservationStatus = "reserved"
	ReservationStatusReleased ReservationStatus = "released"
)

func (r ReservationStatus) IsValid() bool {
	return r == ReservationStatusReserved || r == ReservationStatusReleased
}
