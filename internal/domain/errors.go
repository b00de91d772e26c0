package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrFeedDown      = errors.New("feed disconnected")
	ErrQueueClosed   = errors.New("session queue closed")
	ErrStoreDown     = errors.New("persistence unavailable")
	ErrMalformedData = errors.New("malformed event frame")
)

// RejectReason identifies why the cleaning engine rejected a tick. The set is
// closed; rejections are counted per reason.
type RejectReason string

const (
	RejectInvalidPrice  RejectReason = "invalid_price"
	RejectInvalidVolume RejectReason = "invalid_volume"
	RejectOutOfOrder    RejectReason = "out_of_order"
	RejectDuplicate     RejectReason = "duplicate"
	RejectPriceSpike    RejectReason = "price_spike"
)

// RejectReasons lists every reason code in the order the rules are applied.
var RejectReasons = []RejectReason{
	RejectInvalidPrice,
	RejectInvalidVolume,
	RejectOutOfOrder,
	RejectDuplicate,
	RejectPriceSpike,
}
