package serviceapi

import (
	"context"

	"datamake/internal/model"
	"datamake/internal/orchestrator"
)

type SessionDetail = orchestrator.SessionDetail

type Core interface {
	Shutdown()

	BusProcessOnce(ctx context.Context, limit int) (int, error)
	BusHealth() error
	BusStats() (model.OutboxStats, error)

	Sessions(limit int) ([]model.SessionRecord, error)
	SessionDetail(sessionID string) (SessionDetail, error)
	Pointers() ([]model.PointerRecord, error)
	Events(sessionID string, limit int) ([]model.EventRecord, error)
}

type LocalCore struct {
	service *orchestrator.Service
}

func NewLocalCore(dbPath string) (*LocalCore, error) {
	service, err := orchestrator.NewService(dbPath)
	if err != nil {
		return nil, err
	}
	return &LocalCore{service: service}, nil
}

func (l *LocalCore) Shutdown() {
	if l == nil || l.service == nil {
		return
	}
	_ = l.service.Shutdown()
}

func (l *LocalCore) BusProcessOnce(ctx context.Context, limit int) (int, error) {
	return l.service.BusProcessOnce(ctx, limit)
}

func (l *LocalCore) BusHealth() error {
	return l.service.BusHealth()
}

func (l *LocalCore) BusStats() (model.OutboxStats, error) {
	return l.service.BusStats()
}

func (l *LocalCore) Sessions(limit int) ([]model.SessionRecord, error) {
	return l.service.Sessions(limit)
}

func (l *LocalCore) SessionDetail(sessionID string) (SessionDetail, error) {
	return l.service.SessionDetail(sessionID)
}

func (l *LocalCore) Pointers() ([]model.PointerRecord, error) {
	return l.service.Pointers()
}

func (l *LocalCore) Events(sessionID string, limit int) ([]model.EventRecord, error) {
	return l.service.Events(sessionID, limit)
}
