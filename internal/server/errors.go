package server

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"PerpVAMM/internal/core"
	"PerpVAMM/internal/ingestion"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/query"
)

// toStatus maps engine and ingestion errors to gRPC status errors.
// Errors that already carry a status pass through.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded

	// Checked before the argument errors: a parse may wrap an unknown market
	case errors.Is(err, core.ErrUnknownMarket),
		errors.Is(err, core.ErrEmptyPosition),
		errors.Is(err, query.ErrNotFound):
		return codes.NotFound

	case errors.Is(err, core.ErrDuplicateCommand),
		errors.Is(err, core.ErrMarketExists):
		return codes.AlreadyExists

	case errors.Is(err, ingestion.ErrMalformedCommand),
		errors.Is(err, ingestion.ErrUnknownEventType),
		errors.Is(err, core.ErrUnknownCommand),
		errors.Is(err, core.ErrInvalidAmount),
		errors.Is(err, core.ErrInvalidLeverage),
		errors.Is(err, core.ErrInvalidDirection),
		errors.Is(err, core.ErrInvalidReduction),
		errors.Is(err, core.ErrInvalidMarketParams),
		errors.Is(err, core.ErrInvalidReserves):
		return codes.InvalidArgument

	case errors.Is(err, core.ErrArithmeticOverflow),
		errors.Is(err, fpmath.ErrOverflow):
		return codes.OutOfRange

	case errors.Is(err, core.ErrSequenceGap),
		errors.Is(err, core.ErrOutOfOrder),
		errors.Is(err, core.ErrInsufficientMargin),
		errors.Is(err, core.ErrWithdrawalWouldCreateBadDebt),
		errors.Is(err, core.ErrSlippageExceeded),
		errors.Is(err, core.ErrInsufficientLiquidity),
		errors.Is(err, core.ErrNotLiquidatable),
		errors.Is(err, core.ErrFundingNotDue),
		errors.Is(err, core.ErrInvalidOraclePrice),
		errors.Is(err, core.ErrStaleBlock):
		return codes.FailedPrecondition

	default:
		return codes.Internal
	}
}
