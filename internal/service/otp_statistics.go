package service

import (
	"sync"
	"time"

	"auth-core/internal/model"
)

// otpStatistics is process-local monitoring data. Verification never reads it.
type otpStatistics struct {
	mu          sync.RWMutex
	byRecipient map[string]*model.OTPStatistics
}

func newOTPStatistics() *otpStatistics {
	return &otpStatistics{byRecipient: make(map[string]*model.OTPStatistics)}
}

func (s *otpStatistics) entry(recipient string) *model.OTPStatistics {
	st, ok := s.byRecipient[recipient]
	if !ok {
		st = &model.OTPStatistics{Recipient: recipient}
		s.byRecipient[recipient] = st
	}
	return st
}

func (s *otpStatistics) sent(recipient string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.entry(recipient)
	st.TotalSent++
	if st.FirstSentAt.IsZero() {
		st.FirstSentAt = at
	}
	st.LastSentAt = at
}

func (s *otpStatistics) resent(recipient string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(recipient).TotalResent++
}

func (s *otpStatistics) verified(recipient string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.entry(recipient)
	st.TotalVerified++
	if success {
		st.SuccessfulVerifications++
	} else {
		st.FailedVerifications++
	}
}

func successRate(st *model.OTPStatistics) float64 {
	if st.TotalVerified == 0 {
		return 0
	}
	return float64(st.SuccessfulVerifications) / float64(st.TotalVerified) * 100
}

func (s *otpStatistics) get(recipient string) *model.OTPStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.byRecipient[recipient]
	if !ok {
		return &model.OTPStatistics{Recipient: recipient}
	}
	c := *st
	c.SuccessRate = successRate(&c)
	return &c
}

func (s *otpStatistics) global() *model.OTPStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := &model.OTPStatistics{}
	for _, st := range s.byRecipient {
		total.TotalSent += st.TotalSent
		total.TotalResent += st.TotalResent
		total.TotalVerified += st.TotalVerified
		total.SuccessfulVerifications += st.SuccessfulVerifications
		total.FailedVerifications += st.FailedVerifications
		if !st.FirstSentAt.IsZero() && (total.FirstSentAt.IsZero() || st.FirstSentAt.Before(total.FirstSentAt)) {
			total.FirstSentAt = st.FirstSentAt
		}
		if st.LastSentAt.After(total.LastSentAt) {
			total.LastSentAt = st.LastSentAt
		}
	}
	total.SuccessRate = successRate(total)
	return total
}
