// Package coordinator owns every state change of evacuee and volunteer records:
// the help request lifecycle and the exclusive volunteer assignment. All
// multi-record changes go through a single store transaction.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"disasterRelief/internal/geo"
	"disasterRelief/internal/location"
	"disasterRelief/internal/metrics"
	"disasterRelief/models"
	"disasterRelief/repository"
)

// ErrorReporter receives failed operations, e.g. to notify the originator.
type ErrorReporter interface {
	ReportError(ctx context.Context, userID, op string, err error)
}

type Coordinator struct {
	store       repository.UserStore
	log         *slog.Logger
	metrics     *metrics.Metrics
	reporter    ErrorReporter
	validate    *validator.Validate
	now         func() time.Time
	locOpts     location.Options
	maxAccuracy float64
}

type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }

func WithErrorReporter(r ErrorReporter) Option { return func(c *Coordinator) { c.reporter = r } }

// WithClock replaces time.Now for request and completion timestamps.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

func WithLocationOptions(o location.Options) Option { return func(c *Coordinator) { c.locOpts = o } }

// WithAccuracyCeiling sets the largest accuracy radius accepted for a help request.
func WithAccuracyCeiling(meters float64) Option {
	return func(c *Coordinator) { c.maxAccuracy = meters }
}

func New(store repository.UserStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       store,
		log:         slog.Default(),
		validate:    newValidator(),
		now:         time.Now,
		locOpts:     location.DefaultOptions(),
		maxAccuracy: geo.MaxAccuracyMeters,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("help_category", func(fl validator.FieldLevel) bool {
		return models.HelpCategory(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("role", func(fl validator.FieldLevel) bool {
		return models.Role(fl.Field().String()).Valid()
	})
	return v
}

func (c *Coordinator) validateInput(in any) error {
	if err := c.validate.Struct(in); err != nil {
		return &Error{Code: CodeInvalidInput, Msg: describeValidation(err)}
	}
	return nil
}

func describeValidation(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	if fe.Param() != "" {
		return fe.Field() + " fails " + fe.Tag() + "=" + fe.Param()
	}
	return fe.Field() + " fails " + fe.Tag()
}

// fix acquires a location and maps provider failures into the taxonomy.
func (c *Coordinator) fix(ctx context.Context, p location.Provider) (models.Location, error) {
	if p == nil {
		return models.Location{}, newError(CodeLocationUnavailable, "no location provider")
	}
	lctx := ctx
	if c.locOpts.Timeout > 0 {
		var cancel context.CancelFunc
		lctx, cancel = context.WithTimeout(ctx, c.locOpts.Timeout)
		defer cancel()
	}
	loc, err := p.CurrentFix(lctx, c.locOpts)
	if err != nil {
		// Our own acquisition deadline fired, not the caller's.
		if errors.Is(lctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return models.Location{}, &Error{Code: CodeLocationTimeout, Msg: "no fix within " + c.locOpts.Timeout.String(), Err: err}
		}
		return models.Location{}, classify(err)
	}
	return loc, nil
}

// finish records the outcome of op and converts err into an *Error.
func (c *Coordinator) finish(ctx context.Context, op, userID string, err error) error {
	if err == nil {
		c.metrics.Observe(op, "ok")
		c.log.InfoContext(ctx, "operation committed", "op", op, "user_id", userID)
		return nil
	}
	e := classify(err)
	c.metrics.Observe(op, string(e.Code))
	if e.Code == CodeStoreUnavailable {
		c.log.ErrorContext(ctx, "operation failed", "op", op, "user_id", userID, "code", e.Code, "error", err)
	} else {
		c.log.InfoContext(ctx, "operation rejected", "op", op, "user_id", userID, "code", e.Code, "error", err)
	}
	if c.reporter != nil {
		c.reporter.ReportError(ctx, userID, op, e)
	}
	return e
}

// Get returns a user record.
func (c *Coordinator) Get(ctx context.Context, id string) (*models.User, error) {
	u, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, classify(err)
	}
	return u, nil
}
