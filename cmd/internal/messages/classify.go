package messages

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"krismini/cmd/internal/chat"
)

// SQLSTATE codes and classes the gateway distinguishes.
const (
	pgUniqueViolation   = "23505"
	pgClassConnection   = "08"
	pgClassInvalidAuth  = "28"
	pgAdminShutdown     = "57P01"
	pgCannotConnectNow  = "57P03"
	pgTooManyConnection = "53300"
)

// Classify maps any store failure onto the chat error taxonomy.
// An *chat.Error passes through unchanged.
func Classify(op string, err error) *chat.Error {
	if err == nil {
		return nil
	}

	var ce *chat.Error
	if errors.As(err, &ce) {
		return ce
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Wrap(op, chat.ErrNotFound, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgUniqueViolation:
			return chat.Wrap(op, chat.ErrDuplicateEntry, err)
		case strings.HasPrefix(pgErr.Code, pgClassInvalidAuth):
			return chat.Wrap(op, chat.ErrAuthExpired, err)
		case strings.HasPrefix(pgErr.Code, pgClassConnection),
			pgErr.Code == pgAdminShutdown,
			pgErr.Code == pgCannotConnectNow,
			pgErr.Code == pgTooManyConnection:
			return chat.Wrap(op, chat.ErrNetwork, err)
		}
		return chat.Wrap(op, chat.ErrUnknown, err)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) {
		return chat.Wrap(op, chat.ErrNetwork, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return chat.Wrap(op, chat.ErrNetwork, err)
	}
	if errors.Is(err, context.Canceled) {
		return chat.Wrap(op, chat.ErrUnknown, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return chat.Wrap(op, chat.ErrNetwork, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "jwt"):
		return chat.Wrap(op, chat.ErrAuthExpired, err)
	case strings.Contains(msg, "network"),
		strings.Contains(msg, "connection"),
		strings.Contains(msg, "failed to connect"):
		return chat.Wrap(op, chat.ErrNetwork, err)
	}
	return chat.Wrap(op, chat.ErrUnknown, err)
}
