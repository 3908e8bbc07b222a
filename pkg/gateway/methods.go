package gateway

import (
	"context"

	"github.com/harun/wafleet/internal/observability"
	"github.com/harun/wafleet/pkg/lifecycle"
)

// registerBuiltinMethods registers the administrative RPC methods.
func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("sessions.list", s.handleSessionsList)
	_ = s.RegisterMethod("sessions.get", s.handleSessionsGet)
	_ = s.RegisterMethod("sessions.stop", s.actionMethod(ActionShutdownBot))
	_ = s.RegisterMethod("sessions.restore", s.actionMethod(ActionRestoreBot))
	_ = s.RegisterMethod("sessions.wipe", s.actionMethod(ActionWipeTraces))
	_ = s.RegisterMethod("system.set_active", s.handleSystemSetActive)
	_ = s.RegisterMethod("system.stats", s.handleSystemStats)
	_ = s.RegisterMethod("clients.list", s.handleClientsList)
}

func (s *Server) handleSessionsList(context.Context, map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"sessions":     s.controller.Sessions(),
		"systemActive": s.controller.SystemActive(),
	}, nil
}

func (s *Server) handleSessionsGet(_ context.Context, params map[string]interface{}) (interface{}, error) {
	target, err := stringParam(params, "identity")
	if err != nil {
		return nil, err
	}
	key, ok := s.resolveTarget(target)
	if !ok {
		return nil, lifecycle.ErrSessionNotFound
	}
	return s.controller.Session(key)
}

// actionMethod exposes an administrative action that targets one session.
func (s *Server) actionMethod(action string) RequestHandler {
	return func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		target, err := stringParam(params, "identity")
		if err != nil {
			return nil, err
		}
		actor := actorFromContext(ctx, "")
		msg, err := s.execute(ctx, action, target)
		if err != nil {
			observability.RecordSecurityAudit(ctx, "god:"+action, actor, "failure", map[string]interface{}{"target": target})
			return nil, err
		}
		observability.RecordSecurityAudit(ctx, "god:"+action, actor, "success", map[string]interface{}{"target": target})
		return map[string]interface{}{"msg": msg}, nil
	}
}

func (s *Server) handleSystemSetActive(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	active, err := boolParam(params, "active")
	if err != nil {
		return nil, err
	}
	action := ActionGlobalShutdown
	if active {
		action = ActionGlobalRestore
	}
	msg, err := s.execute(ctx, action, "")
	if err != nil {
		return nil, err
	}
	observability.RecordSecurityAudit(ctx, "god:"+action, actorFromContext(ctx, ""), "success", nil)
	return map[string]interface{}{"msg": msg, "active": active}, nil
}

func (s *Server) handleSystemStats(context.Context, map[string]interface{}) (interface{}, error) {
	return s.stats(), nil
}

func (s *Server) handleClientsList(context.Context, map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"clients": s.clients.GetConnectedClients()}, nil
}
