package store

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// Error carries an operation.reason code next to the underlying cause.
type Error struct {
	code string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *Error) Code() string {
	return e.code
}

const (
	opStoreNew        = "store.new"
	opUpdate          = "store.update"
	opListEntities    = "store.list_entities"
	opGetEntity       = "store.get_entity"
	opListPeople      = "store.list_people"
	opGetPerson       = "store.get_person"
	opListMutations   = "store.list_mutations"
	opGetMutation     = "store.get_mutation"
	opListTitles      = "store.list_pending_titles"
	opGetTitle        = "store.get_pending_title"
	opReadValue       = "store.read_value"
	opClear           = "store.clear"
	reasonQueryFailed = "query_failed"
	reasonDecode      = "decode_failed"
	reasonEncode      = "encode_failed"
	reasonTxFailed    = "transaction_failed"
)

func newError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &Error{code: code, err: cause}
}

func (s *Store) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("local store error", attrs...)
}
