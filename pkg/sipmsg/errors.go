package sipmsg

import "github.com/pkg/errors"

var (
	// ErrMalformedAddress адресный заголовок не удалось разобрать.
	ErrMalformedAddress = errors.New("malformed address header")
	// ErrMissingHeader в сообщении отсутствует обязательный заголовок.
	ErrMissingHeader = errors.New("missing mandatory header")
	// ErrBadMethod построитель вызван с неподходящим методом.
	ErrBadMethod = errors.New("unsupported method for builder")
)
