package services

import (
	"context"
	"time"

	"github.com/yashrajoria/payment-saga/pkg/cache"
	"github.com/yashrajoria/payment-saga/services/payment-service/models"
)

// SessionStore keeps each user's latest payment attempt in the cache. Writes
// are best-effort and run detached from the caller's cancellation, so a
// client that hangs up still leaves an accurate record.
type SessionStore struct {
	cache Cache
	now   func() time.Time
}

func NewSessionStore(c Cache) *SessionStore {
	return &SessionStore{cache: c, now: time.Now}
}

// Start overwrites any previous session for the user with a processing one.
func (s *SessionStore) Start(ctx context.Context, userID string, req models.PaymentRequest) *models.PaymentSession {
	sess := &models.PaymentSession{
		UserID:      userID,
		CartItems:   req.CartItems,
		PaymentInfo: req.PaymentInfo.Masked(),
		TotalAmount: req.TotalAmount,
		Status:      models.SessionProcessing,
	}
	s.write(ctx, sess, cache.SessionProcessingTTL)
	return sess
}

func (s *SessionStore) Fail(ctx context.Context, sess *models.PaymentSession, reason string) {
	sess.Status = models.SessionFailed
	sess.Error = reason
	s.write(ctx, sess, cache.SessionFailedTTL)
}

// Error records an attempt that stopped for reasons other than the user's
// cart or card, such as the request being cancelled.
func (s *SessionStore) Error(ctx context.Context, sess *models.PaymentSession, reason string) {
	sess.Status = models.SessionError
	sess.Error = reason
	s.write(ctx, sess, cache.SessionFailedTTL)
}

func (s *SessionStore) Complete(ctx context.Context, sess *models.PaymentSession, orderID string) {
	sess.Status = models.SessionCompleted
	sess.OrderID = orderID
	sess.Error = ""
	s.write(ctx, sess, cache.SessionCompletedTTL)
}

func (s *SessionStore) Get(ctx context.Context, userID string) (*models.PaymentSession, bool) {
	var sess models.PaymentSession
	if !s.cache.Get(ctx, cache.SessionKey(userID), &sess) {
		return nil, false
	}
	return &sess, true
}

func (s *SessionStore) Clear(ctx context.Context, userID string) bool {
	return s.cache.Delete(ctx, cache.SessionKey(userID))
}

func (s *SessionStore) write(ctx context.Context, sess *models.PaymentSession, ttl time.Duration) {
	sess.Timestamp = s.now().UTC()
	s.cache.Set(context.WithoutCancel(ctx), cache.SessionKey(sess.UserID), sess, ttl)
}
