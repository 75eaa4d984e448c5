package payment

// Error is a domain rejection. The code is the short machine-readable form
// that the application boundary maps to protocol responses; rejections abort
// the current operation with no partial mutation, except expiry which is
// defined to reject the payment first.
type Error struct {
	Code string
}

func (e *Error) Error() string { return e.Code }

var (
	// ErrWrongReceiverAddress rejects events addressed to a foreign wallet.
	ErrWrongReceiverAddress = &Error{Code: "wrongaddr"}
	// ErrPaymentNotFound rejects events whose subaddress matches no payment.
	ErrPaymentNotFound = &Error{Code: "wrongsubaddr"}
	// ErrInvalidStatus rejects operations against a payment that is not in
	// the state they require. It is also the redelivery guard: an event for
	// a payment that already left the created state is rejected, never
	// reprocessed.
	ErrInvalidStatus = &Error{Code: "invalidpaymentstatus"}
	// ErrPaymentExpired rejects events arriving after the expiry date.
	ErrPaymentExpired = &Error{Code: "paymentexpired"}
	// ErrOptionNotFound rejects events whose amount and currency match none
	// of the payment options.
	ErrOptionNotFound = &Error{Code: "paymentoptionnotfound"}
	// ErrDuplicateReference rejects a second payment for the same merchant
	// reference id.
	ErrDuplicateReference = &Error{Code: "duplicatereference"}
)
