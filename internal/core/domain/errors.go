package domain

import "errors"

// Category groups marketplace errors by the kind of rule they violate.
type Category string

const (
	CategoryValidation Category = "validation"
	CategoryLookup     Category = "lookup"
	CategoryPayment    Category = "payment"
)

// Error is a terminal marketplace failure. Every instance is a package-level
// sentinel so callers can match with errors.Is; detail is added by wrapping.
type Error struct {
	Category Category
	Code     string
	Message  string
}

func (e *Error) Error() string { return e.Message }

func newError(category Category, code, message string) *Error {
	return &Error{Category: category, Code: code, Message: message}
}

var (
	ErrEmptyTitle       = newError(CategoryValidation, "EMPTY_TITLE", "title not provided")
	ErrEmptyGenre       = newError(CategoryValidation, "EMPTY_GENRE", "genre not provided")
	ErrInvalidGenre     = newError(CategoryValidation, "INVALID_GENRE", "genre must be 'games' or 'entertainment'")
	ErrNonPositivePrice = newError(CategoryValidation, "NON_POSITIVE_PRICE", "price must be greater than 0")
	ErrSelfDealing      = newError(CategoryValidation, "SELF_DEALING", "store itself cannot publish application")
	ErrInvalidAmount    = newError(CategoryValidation, "INVALID_AMOUNT", "invalid amount")
	ErrCallerRequired   = newError(CategoryValidation, "CALLER_REQUIRED", "caller identity not provided")

	ErrItemNotFound = newError(CategoryLookup, "ITEM_NOT_FOUND", "app not found")

	ErrInsufficientPayment = newError(CategoryPayment, "INSUFFICIENT_PAYMENT", "attached value is less than app price")
	ErrAlreadyPurchased    = newError(CategoryPayment, "ALREADY_PURCHASED", "buyer has already bought this app")
	ErrSelfPurchase        = newError(CategoryPayment, "SELF_PURCHASE", "appstore itself cannot buy apps")
)

// AsError returns the marketplace error wrapped in err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CategoryOf reports the category of err, or "" for infrastructure errors.
func CategoryOf(err error) Category {
	if e, ok := AsError(err); ok {
		return e.Category
	}
	return ""
}
