package subscriptions

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/BearBump/GeoSync/internal/models"
	"github.com/BearBump/GeoSync/internal/syncerr"
	"github.com/stretchr/testify/mock"
)

func locationChange(id string, lat, lon float64, at time.Time) models.Change {
	return models.Change{Op: models.OpModified, ID: id, Fields: models.EntityFields(lat, lon, at, true)}
}

func (s *ManagerSuite) TestSubscribe_NonPrivilegedRole_DeniedWithoutStream() {
	s.roles.On("CheckRole", mock.Anything, "u1").Return(models.RoleUser, nil).Once()

	h, err := s.mgr.Subscribe(context.Background(), Spec{Collection: models.CollectionLocations})
	s.Require().Nil(h)
	s.Require().True(syncerr.Is(err, syncerr.PermissionDenied))
	s.Require().Empty(s.feed.Opened())
	s.Require().Equal(int64(1), s.mgr.Stats().TotalDenied)
	s.roles.AssertExpectations(s.T())
}

func (s *ManagerSuite) TestSubscribe_AuditRequiresAdmin() {
	s.roles.On("CheckRole", mock.Anything, "u1").Return(models.RoleResponder, nil)

	_, err := s.mgr.Subscribe(context.Background(), Spec{Collection: models.CollectionAuditLogs})
	s.Require().True(syncerr.Is(err, syncerr.PermissionDenied))

	h, err := s.mgr.Subscribe(context.Background(), Spec{Collection: models.CollectionLocations})
	s.Require().NoError(err)
	s.Require().NotEmpty(h.ID())
	s.Require().Eventually(func() bool { return len(s.feed.Opened()) == 1 }, time.Second, time.Millisecond)
	s.Require().Equal([]string{models.CollectionLocations}, s.feed.Opened())
}

func (s *ManagerSuite) TestSubscribe_NoSession() {
	mgr := New(s.feed, s.roles, staticSession("")).WithSink(models.CollectionLocations, s.entities)

	_, err := mgr.Subscribe(context.Background(), Spec{Collection: models.CollectionLocations})
	s.Require().True(syncerr.Is(err, syncerr.PermissionDenied))
	s.roles.AssertNotCalled(s.T(), "CheckRole", mock.Anything, mock.Anything)
	s.Require().Empty(s.feed.Opened())
}

func (s *ManagerSuite) TestSubscribe_RoleLookupFailure_IsTransportError() {
	s.roles.On("CheckRole", mock.Anything, "u1").Return(models.Role(""), errors.New("dial tcp: refused"))

	_, err := s.mgr.Subscribe(context.Background(), Spec{Collection: models.CollectionLocations})
	s.Require().True(syncerr.Is(err, syncerr.TransportError))
	s.Require().Empty(s.feed.Opened())
}

func (s *ManagerSuite) TestBatchesApplied_InOrder_AndParseErrorsDropped() {
	s.roles.On("CheckRole", mock.Anything, "u1").Return(models.RoleAdmin, nil)
	h, err := s.mgr.Subscribe(context.Background(), Spec{Collection: models.CollectionLocations})
	s.Require().NoError(err)

	t0 := time.Now().UTC().Add(-time.Minute)
	t1 := t0.Add(10 * time.Second)
	ch := s.feed.stream(models.CollectionLocations)

	ch <- feedEvent{batch: models.ChangeBatch{Collection: models.CollectionLocations, Changes: []models.Change{
		locationChange("a", -6.21, 106.85, t0),
		{Op: models.OpAdded, ID: "broken", Fields: map[string]any{models.FieldLatitude: 1.0, models.FieldUpdatedAt: t0}},
		locationChange("b", 1, 1, t0),
	}}}
	ch <- feedEvent{batch: models.ChangeBatch{Collection: models.CollectionLocations, Changes: []models.Change{
		locationChange("a", -6.20, 106.84, t1),
		{Op: models.OpRemoved, ID: "b"},
	}}}

	s.Require().Eventually(func() bool { return h.Batches() == 2 }, time.Second, time.Millisecond)

	a, ok := s.entities.Get("a")
	s.Require().True(ok)
	s.Require().Equal(-6.20, *a.Latitude)
	s.Require().Equal(106.84, *a.Longitude)
	s.Require().Equal(t1, a.LastUpdatedAt)

	_, ok = s.entities.Get("b")
	s.Require().False(ok)
	_, ok = s.entities.Get("broken")
	s.Require().False(ok)

	st := s.mgr.Stats()
	s.Require().Equal(int64(2), st.TotalBatches)
	s.Require().Equal(int64(1), st.TotalDropped)
	s.Require().Equal(1, st.Open)
}

func (s *ManagerSuite) TestTransportError_TearsDownAndReports() {
	s.roles.On("CheckRole", mock.Anything, "u1").Return(models.RoleAdmin, nil)

	var reported atomic.Value
	s.mgr.OnError(func(h *Handle, err error) {
		reported.Store(err)
		s.mgr.Unsubscribe(h)
	})

	h, err := s.mgr.Subscribe(context.Background(), Spec{Collection: models.CollectionAuditLogs})
	s.Require().NoError(err)

	s.feed.stream(models.CollectionAuditLogs) <- feedEvent{err: errors.New("connection reset")}

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		s.FailNow("handle not torn down")
	}
	s.Require().True(syncerr.Is(h.Err(), syncerr.TransportError))
	s.Require().Eventually(func() bool { return reported.Load() != nil }, time.Second, time.Millisecond)
	s.Require().Zero(s.mgr.Stats().Open)
	s.Require().Equal(int64(1), s.mgr.Stats().TotalErrors)

	// no automatic resubscribe
	s.Require().Len(s.feed.Opened(), 1)
}

func (s *ManagerSuite) TestUnsubscribe_Idempotent_NoApplyAfterwards() {
	s.roles.On("CheckRole", mock.Anything, "u1").Return(models.RoleAdmin, nil)
	h, err := s.mgr.Subscribe(context.Background(), Spec{Collection: models.CollectionLocations})
	s.Require().NoError(err)

	s.mgr.Unsubscribe(h)
	s.mgr.Unsubscribe(h)
	s.mgr.Unsubscribe(nil)

	s.Require().NoError(h.Err())
	s.Require().Zero(s.mgr.Stats().Open)

	select {
	case s.feed.stream(models.CollectionLocations) <- feedEvent{batch: models.ChangeBatch{Changes: []models.Change{locationChange("x", 1, 1, time.Now())}}}:
		s.FailNow("stream still consumed after unsubscribe")
	case <-time.After(20 * time.Millisecond):
	}
	s.Require().Zero(s.entities.Len())
}

func (s *ManagerSuite) TestClose_UnsubscribesAll() {
	s.roles.On("CheckRole", mock.Anything, "u1").Return(models.RoleAdmin, nil)
	h1, err := s.mgr.Subscribe(context.Background(), Spec{Collection: models.CollectionLocations})
	s.Require().NoError(err)
	h2, err := s.mgr.Subscribe(context.Background(), Spec{Collection: models.CollectionAuditLogs})
	s.Require().NoError(err)

	s.mgr.Close()
	<-h1.Done()
	<-h2.Done()
	s.Require().Empty(s.mgr.Handles())

	_, err = s.mgr.Subscribe(context.Background(), Spec{Collection: models.CollectionLocations})
	s.Require().ErrorIs(err, ErrClosed)
}

func (s *ManagerSuite) TestSubscribe_UnknownCollection() {
	_, err := s.mgr.Subscribe(context.Background(), Spec{Collection: "reports"})
	s.Require().Error(err)
	s.roles.AssertNotCalled(s.T(), "CheckRole", mock.Anything, mock.Anything)
}
