package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	usersCollection = "Users"
	jobsCollection  = "NotificationJobs"

	// Firestore caps "in" and "array-contains-any" filters at 30 values.
	firestoreInLimit = 30
)

// firestoreUser mirrors the document shape written by the web client.
type firestoreUser struct {
	UID                  string      `firestore:"uid"`
	FCMTokens            []string    `firestore:"fcmTokens"`
	NotificationsEnabled bool        `firestore:"notificationsEnabled"`
	Preferences          Preferences `firestore:"notificationPreferences"`
	LastTokenUpdate      time.Time   `firestore:"lastTokenUpdate"`
}

func (u *firestoreUser) device(id string) *UserDevice {
	userID := u.UID
	if userID == "" {
		userID = id
	}
	return &UserDevice{
		UserID:               userID,
		Tokens:               NewTokenSet(u.FCMTokens...),
		NotificationsEnabled: u.NotificationsEnabled,
		Preferences:          u.Preferences,
		LastTokenUpdate:      u.LastTokenUpdate,
	}
}

type firestoreJob struct {
	Intent      Intent     `firestore:"intent"`
	Status      string     `firestore:"status"`
	SendAt      time.Time  `firestore:"sendAt"`
	Outcome     JobOutcome `firestore:"outcome"`
	CreatedAt   time.Time  `firestore:"createdAt"`
	UpdatedAt   time.Time  `firestore:"updatedAt"`
	CompletedAt *time.Time `firestore:"completedAt"`
}

// FirestoreStore keeps user devices in the `Users` collection, one document
// per user id, with tokens in the `fcmTokens` array field.
type FirestoreStore struct {
	client *firestore.Client
	log    logrus.FieldLogger
}

func NewFirestoreStore(ctx context.Context, projectID string, log logrus.FieldLogger, opts ...option.ClientOption) (*FirestoreStore, error) {
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("could not create firestore client: %w", err)
	}
	log.WithField("project_id", projectID).Info("Firestore client initialized")
	return &FirestoreStore{client: client, log: log}, nil
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func (s *FirestoreStore) users() *firestore.CollectionRef {
	return s.client.Collection(usersCollection)
}

func (s *FirestoreStore) AddToken(ctx context.Context, userID, token string) (*UserDevice, error) {
	ref := s.users().Doc(userID)
	_, err := ref.Set(ctx, map[string]any{
		"uid":                  userID,
		"fcmTokens":            firestore.ArrayUnion(token),
		"notificationsEnabled": true,
		"lastTokenUpdate":      firestore.ServerTimestamp,
	}, firestore.MergeAll)
	if err != nil {
		return nil, fmt.Errorf("error adding token: %w", err)
	}
	return s.GetDevice(ctx, userID)
}

// removeTokens drops tokens from one user document and recomputes
// notificationsEnabled from what remains, inside a transaction.
func (s *FirestoreStore) removeTokens(ctx context.Context, ref *firestore.DocumentRef, tokens []string) (*UserDevice, int, error) {
	var device *UserDevice
	var removed int
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if isNotFound(err) {
				return Errors.NotFound
			}
			return err
		}
		var u firestoreUser
		if err := snap.DataTo(&u); err != nil {
			return fmt.Errorf("error decoding user: %w", err)
		}

		device = u.device(ref.ID)
		removed = 0
		values := make([]any, 0, len(tokens))
		for _, t := range tokens {
			if device.Tokens.Remove(t) {
				removed++
			}
			values = append(values, t)
		}
		device.NotificationsEnabled = device.Tokens.Len() > 0

		updates := []firestore.Update{
			{Path: "notificationsEnabled", Value: device.NotificationsEnabled},
		}
		if removed > 0 {
			device.LastTokenUpdate = time.Now().UTC()
			updates = append(updates,
				firestore.Update{Path: "fcmTokens", Value: firestore.ArrayRemove(values...)},
				firestore.Update{Path: "lastTokenUpdate", Value: device.LastTokenUpdate},
			)
		}
		return tx.Update(ref, updates)
	})
	if err != nil {
		return nil, 0, err
	}
	return device, removed, nil
}

func (s *FirestoreStore) RemoveToken(ctx context.Context, userID, token string) (*UserDevice, error) {
	device, _, err := s.removeTokens(ctx, s.users().Doc(userID), []string{token})
	if err != nil && !errors.Is(err, Errors.NotFound) {
		return nil, fmt.Errorf("error removing token: %w", err)
	}
	return device, err
}

// SetPreferences replaces the whole preferences map; fields are not merged.
func (s *FirestoreStore) SetPreferences(ctx context.Context, userID string, prefs Preferences) (*UserDevice, error) {
	ref := s.users().Doc(userID)
	_, err := ref.Set(ctx, map[string]any{
		"uid":                     userID,
		"notificationPreferences": prefs,
	}, firestore.Merge([]string{"uid"}, []string{"notificationPreferences"}))
	if err != nil {
		return nil, fmt.Errorf("error setting preferences: %w", err)
	}
	return s.GetDevice(ctx, userID)
}

func (s *FirestoreStore) GetDevice(ctx context.Context, userID string) (*UserDevice, error) {
	snap, err := s.users().Doc(userID).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, Errors.NotFound
		}
		return nil, fmt.Errorf("error getting user device: %w", err)
	}
	var u firestoreUser
	if err := snap.DataTo(&u); err != nil {
		return nil, fmt.Errorf("error decoding user: %w", err)
	}
	return u.device(snap.Ref.ID), nil
}

func (s *FirestoreStore) QueryTokens(ctx context.Context, pred Predicate) ([]string, error) {
	q := s.users().Query
	if pred.NotificationsEnabled != nil {
		q = q.Where("notificationsEnabled", "==", *pred.NotificationsEnabled)
	}
	for _, name := range pred.Preferences {
		if !IsPreference(name) {
			return nil, fmt.Errorf("unknown preference %q", name)
		}
		q = q.Where("notificationPreferences."+name, "==", true)
	}

	if len(pred.UserIDs) == 0 {
		return s.collectTokens(ctx, q)
	}

	var tokens []string
	for start := 0; start < len(pred.UserIDs); start += firestoreInLimit {
		end := min(start+firestoreInLimit, len(pred.UserIDs))
		chunk := q
		if end-start == 1 {
			chunk = chunk.Where("uid", "==", pred.UserIDs[start])
		} else {
			chunk = chunk.Where("uid", "in", pred.UserIDs[start:end])
		}
		found, err := s.collectTokens(ctx, chunk)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, found...)
	}
	return tokens, nil
}

func (s *FirestoreStore) collectTokens(ctx context.Context, q firestore.Query) ([]string, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	var tokens []string
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error querying users: %w", err)
		}
		var u firestoreUser
		if err := snap.DataTo(&u); err != nil {
			s.log.WithError(err).WithField("user_id", snap.Ref.ID).Warn("Skipping undecodable user document")
			continue
		}
		tokens = append(tokens, u.FCMTokens...)
	}
	return tokens, nil
}

func (s *FirestoreStore) PruneTokens(ctx context.Context, tokens []string) (int, error) {
	removed := 0
	for start := 0; start < len(tokens); start += firestoreInLimit {
		end := min(start+firestoreInLimit, len(tokens))
		chunk := tokens[start:end]

		values := make([]any, len(chunk))
		for i, t := range chunk {
			values[i] = t
		}

		iter := s.users().Where("fcmTokens", "array-contains-any", values).Documents(ctx)
		refs, err := iter.GetAll()
		if err != nil {
			return removed, fmt.Errorf("error finding token owners: %w", err)
		}
		for _, snap := range refs {
			_, n, err := s.removeTokens(ctx, snap.Ref, chunk)
			if err != nil && !errors.Is(err, Errors.NotFound) {
				return removed, fmt.Errorf("error pruning tokens for %s: %w", snap.Ref.ID, err)
			}
			removed += n
		}
	}
	return removed, nil
}

// Job operations

func (s *FirestoreStore) jobs() *firestore.CollectionRef {
	return s.client.Collection(jobsCollection)
}

func (s *FirestoreStore) CreateJob(ctx context.Context, job *Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	_, err := s.jobs().Doc(job.ID).Create(ctx, firestoreJob{
		Intent:    job.Intent,
		Status:    string(job.Status),
		SendAt:    job.SendAt,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return Errors.AlreadyExists
		}
		return fmt.Errorf("error creating job: %w", err)
	}
	return nil
}

func jobFromSnapshot(snap *firestore.DocumentSnapshot) (*Job, error) {
	var fj firestoreJob
	if err := snap.DataTo(&fj); err != nil {
		return nil, fmt.Errorf("error decoding job: %w", err)
	}
	return &Job{
		ID:          snap.Ref.ID,
		Intent:      fj.Intent,
		Status:      JobStatus(fj.Status),
		SendAt:      fj.SendAt,
		Outcome:     fj.Outcome,
		CreatedAt:   fj.CreatedAt,
		UpdatedAt:   fj.UpdatedAt,
		CompletedAt: fj.CompletedAt,
	}, nil
}

func (s *FirestoreStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	snap, err := s.jobs().Doc(jobID).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, Errors.NotFound
		}
		return nil, fmt.Errorf("error getting job: %w", err)
	}
	return jobFromSnapshot(snap)
}

func (s *FirestoreStore) GetDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	q := s.jobs().
		Where("status", "==", string(JobScheduled)).
		Where("sendAt", "<=", now).
		OrderBy("sendAt", firestore.Asc).
		Limit(limit)
	jobs, err := s.collectJobs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("error fetching due jobs: %w", err)
	}
	return jobs, nil
}

func (s *FirestoreStore) GetStaleJobs(ctx context.Context, before time.Time, limit int) ([]Job, error) {
	q := s.jobs().
		Where("status", "in", []string{string(JobQueued), string(JobInProgress)}).
		Where("updatedAt", "<", before).
		OrderBy("updatedAt", firestore.Asc).
		Limit(limit)
	jobs, err := s.collectJobs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("error fetching stale jobs: %w", err)
	}
	return jobs, nil
}

func (s *FirestoreStore) collectJobs(ctx context.Context, q firestore.Query) ([]Job, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	var jobs []Job
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		job, err := jobFromSnapshot(snap)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

func (s *FirestoreStore) ClaimJob(ctx context.Context, jobID string, from, to JobStatus) error {
	ref := s.jobs().Doc(jobID)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if isNotFound(err) {
				return Errors.NotFound
			}
			return err
		}
		current, err := snap.DataAt("status")
		if err != nil {
			return err
		}
		if current != string(from) {
			return Errors.Conflict
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "status", Value: string(to)},
			{Path: "updatedAt", Value: time.Now().UTC()},
		})
	})
}

func (s *FirestoreStore) CompleteJob(ctx context.Context, jobID string, st JobStatus, outcome JobOutcome) error {
	now := time.Now().UTC()
	_, err := s.jobs().Doc(jobID).Update(ctx, []firestore.Update{
		{Path: "status", Value: string(st)},
		{Path: "outcome", Value: outcome},
		{Path: "updatedAt", Value: now},
		{Path: "completedAt", Value: now},
	})
	if err != nil {
		if isNotFound(err) {
			return Errors.NotFound
		}
		return fmt.Errorf("error completing job: %w", err)
	}
	return nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}
