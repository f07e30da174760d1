package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mithileshchellappan/novelpush/internal/audience"
	"github.com/mithileshchellappan/novelpush/internal/dispatch"
	"github.com/mithileshchellappan/novelpush/internal/pipeline"
	"github.com/mithileshchellappan/novelpush/internal/storage"
	"github.com/mithileshchellappan/novelpush/internal/validate"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidIntent       = errors.New("invalid notification intent")
	ErrAudienceUnavailable = audience.ErrUnavailable
	ErrInvalidToken        = errors.New("invalid token")
)

const (
	DefaultURL  = "/"
	DefaultType = "general"
)

// IntentError carries a client-facing message and matches ErrInvalidIntent.
type IntentError struct {
	Msg string
}

func (e *IntentError) Error() string { return e.Msg }

func (e *IntentError) Is(target error) bool { return target == ErrInvalidIntent }

type NotificationService struct {
	store    storage.Store
	resolver *audience.Resolver
	pipeline *pipeline.NotificationPipeline
	display  dispatch.Display
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewNotificationService(store storage.Store, resolver *audience.Resolver, pipe *pipeline.NotificationPipeline, display dispatch.Display, log logrus.FieldLogger) *NotificationService {
	return &NotificationService{
		store:    store,
		resolver: resolver,
		pipeline: pipe,
		display:  display,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Normalize validates an intent and applies its defaults.
func Normalize(intent *storage.Intent) error {
	if err := validate.Struct(intent); err != nil {
		var ve *validate.Error
		if errors.As(err, &ve) && (ve.Has("title") || ve.Has("body")) {
			return &IntentError{Msg: "Title and body are required"}
		}
		return &IntentError{Msg: err.Error()}
	}

	switch intent.Audience.Kind {
	case storage.AudienceAll, storage.AudienceChapterSubscribers, storage.AudienceUsers:
	case "":
		return &IntentError{Msg: "targetUsers is required"}
	default:
		return &IntentError{Msg: storage.ErrInvalidAudience.Error()}
	}

	if intent.URL == "" {
		intent.URL = DefaultURL
	}
	if intent.Type == "" {
		intent.Type = DefaultType
	}

	if size := dispatch.NewMessage(*intent, dispatch.Display{}, time.Now()).PayloadSize(); size > dispatch.MaxPayloadSize {
		return &IntentError{Msg: fmt.Sprintf("Notification payload is %d bytes, limit is %d", size, dispatch.MaxPayloadSize)}
	}
	return nil
}

// Send resolves the intent's audience and dispatches to it synchronously.
// Partial delivery failures are reported in the result, not as errors.
func (s *NotificationService) Send(ctx context.Context, intent storage.Intent) (*pipeline.Result, error) {
	if err := Normalize(&intent); err != nil {
		return nil, err
	}

	tokens, err := s.resolver.Resolve(ctx, intent.Audience)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidAudience) {
			return nil, &IntentError{Msg: err.Error()}
		}
		return nil, err
	}

	msg := dispatch.NewMessage(intent, s.display, s.now())
	return s.pipeline.Dispatch(ctx, tokens, msg), nil
}

// Schedule persists the intent as a job. A job due now is returned QUEUED and
// must be handed to the worker pool by the caller; a future job stays
// SCHEDULED for the scheduler.
func (s *NotificationService) Schedule(ctx context.Context, intent storage.Intent, sendAt time.Time) (*storage.Job, error) {
	if err := Normalize(&intent); err != nil {
		return nil, err
	}

	now := s.now()
	job := &storage.Job{
		ID:        uuid.New().String(),
		Intent:    intent,
		Status:    storage.JobQueued,
		SendAt:    now,
		CreatedAt: now,
	}
	if sendAt.After(now) {
		job.Status = storage.JobScheduled
		job.SendAt = sendAt.UTC()
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("error creating job: %w", err)
	}
	s.log.WithFields(logrus.Fields{"job_id": job.ID, "status": job.Status, "send_at": job.SendAt}).Info("Job created")
	return job, nil
}

func (s *NotificationService) GetJob(ctx context.Context, jobID string) (*storage.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// Requeue hands a QUEUED job back to the scheduler, e.g. when the worker
// pool rejected it.
func (s *NotificationService) Requeue(ctx context.Context, jobID string) error {
	return s.store.ClaimJob(ctx, jobID, storage.JobQueued, storage.JobScheduled)
}

// RunJob claims a queued job and dispatches it. A job already claimed by
// someone else is skipped.
func (s *NotificationService) RunJob(ctx context.Context, job *storage.Job) error {
	log := s.log.WithField("job_id", job.ID)

	if err := s.store.ClaimJob(ctx, job.ID, storage.JobQueued, storage.JobInProgress); err != nil {
		if errors.Is(err, storage.Errors.Conflict) {
			log.Info("Job already claimed, skipping")
			return nil
		}
		return fmt.Errorf("error claiming job: %w", err)
	}

	result, err := s.Send(ctx, job.Intent)
	if err != nil {
		log.WithError(err).Error("Job failed")
		outcome := storage.JobOutcome{Error: err.Error()}
		if cerr := s.store.CompleteJob(context.WithoutCancel(ctx), job.ID, storage.JobFailed, outcome); cerr != nil {
			return fmt.Errorf("error completing job: %w", cerr)
		}
		return err
	}

	outcome := storage.JobOutcome{
		TotalTokens: result.TotalTokens,
		SentCount:   result.SentCount,
		FailedCount: result.FailedCount,
		PrunedCount: result.PrunedCount,
	}
	if err := s.store.CompleteJob(context.WithoutCancel(ctx), job.ID, storage.JobCompleted, outcome); err != nil {
		return fmt.Errorf("error completing job: %w", err)
	}
	log.WithFields(logrus.Fields{"sent": result.SentCount, "failed": result.FailedCount}).Info("Job completed")
	return nil
}

// Token operations

type tokenRequest struct {
	UserID string `json:"userId" validate:"required,max=128"`
	Token  string `json:"token" validate:"required,max=4096"`
}

func (s *NotificationService) AddToken(ctx context.Context, userID, token string) (*storage.UserDevice, error) {
	if err := validate.Struct(tokenRequest{UserID: userID, Token: token}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	device, err := s.store.AddToken(ctx, userID, token)
	if err != nil {
		return nil, err
	}
	s.log.WithField("user_id", userID).Info("Token added")
	return device, nil
}

// RemoveToken is idempotent: removing from an unknown user or removing a
// token twice succeeds.
func (s *NotificationService) RemoveToken(ctx context.Context, userID, token string) (*storage.UserDevice, error) {
	if err := validate.Struct(tokenRequest{UserID: userID, Token: token}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	device, err := s.store.RemoveToken(ctx, userID, token)
	if errors.Is(err, storage.Errors.NotFound) {
		return &storage.UserDevice{UserID: userID, Tokens: storage.NewTokenSet()}, nil
	}
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"user_id": userID, "enabled": device.NotificationsEnabled}).Info("Token removed")
	return device, nil
}

func (s *NotificationService) SetPreferences(ctx context.Context, userID string, prefs storage.Preferences) (*storage.UserDevice, error) {
	return s.store.SetPreferences(ctx, userID, prefs)
}

func (s *NotificationService) GetDevice(ctx context.Context, userID string) (*storage.UserDevice, error) {
	return s.store.GetDevice(ctx, userID)
}
