package main

import (
	"context"
	"fmt"
	"time"

	"inputd/internal/config"
	"inputd/internal/dispatch"
	"inputd/internal/event"
	"inputd/internal/health"
	"inputd/internal/ipc"
)

// controlHandler serves the daemon's control protocol, translating IPC
// frames into dispatcher calls. The connecting peer's credentials become the
// injector identity for inject requests.
type controlHandler struct {
	dispatcher *dispatch.Dispatcher
	loader     *config.Loader
	checker    *health.Checker
	shutdownCh chan struct{}
}

func newControlHandler(dispatcher *dispatch.Dispatcher, loader *config.Loader,
	checker *health.Checker, shutdownCh chan struct{}) *controlHandler {
	return &controlHandler{
		dispatcher: dispatcher,
		loader:     loader,
		checker:    checker,
		shutdownCh: shutdownCh,
	}
}

// HandleMessage implements ipc.Handler.
func (h *controlHandler) HandleMessage(ctx context.Context, peer *ipc.PeerCredentials, msg *ipc.Message) (*ipc.Message, error) {
	id := msg.Header.RequestID
	switch msg.Header.Type {
	case ipc.MsgPing:
		return ipc.NewMessage(ipc.MsgPong, id, nil), nil

	case ipc.MsgStatusRequest:
		_, overall := h.checker.RunAll(ctx)
		return ipc.NewJSONMessage(ipc.MsgStatusResponse, id, &ipc.StatusPayload{
			Version:   Version,
			UptimeSec: int64(h.checker.Uptime().Seconds()),
			Alive:     overall != health.StatusUnhealthy,
		})

	case ipc.MsgDumpRequest:
		return ipc.NewJSONMessage(ipc.MsgDumpResponse, id, &ipc.DumpPayload{
			Text: h.dispatcher.Dump(),
		})

	case ipc.MsgInject:
		return h.handleInject(peer, msg)

	case ipc.MsgReloadConfig:
		if _, err := h.loader.Load(); err != nil {
			return nil, fmt.Errorf("reload: %w", err)
		}
		return ipc.NewMessage(ipc.MsgReloadConfigResp, id, nil), nil

	case ipc.MsgShutdown:
		select {
		case h.shutdownCh <- struct{}{}:
		default:
		}
		return ipc.NewMessage(ipc.MsgPong, id, nil), nil

	default:
		return nil, fmt.Errorf("unsupported message type 0x%04x", uint16(msg.Header.Type))
	}
}

func (h *controlHandler) handleInject(peer *ipc.PeerCredentials, msg *ipc.Message) (*ipc.Message, error) {
	if err := ipc.ValidateInjectPayload(msg.Payload); err != nil {
		return nil, err
	}
	var req ipc.InjectRequest
	if err := msg.Unmarshal(&req); err != nil {
		return nil, err
	}

	injectorPid, injectorUid := int32(-1), int32(-1)
	if peer != nil {
		injectorPid = int32(peer.PID)
		injectorUid = int32(peer.UID)
	}

	syncMode := event.InjectionSyncWaitForResult
	switch req.SyncMode {
	case "none":
		syncMode = event.InjectionSyncNone
	case "wait_for_finished":
		syncMode = event.InjectionSyncWaitForFinished
	}
	timeout := 5 * time.Second
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	injected, err := buildInjectedEvent(&req)
	if err != nil {
		return nil, err
	}

	result := h.dispatcher.InjectInputEvent(injected, injectorPid, injectorUid,
		syncMode, timeout, 0)
	return ipc.NewJSONMessage(ipc.MsgInjectResp, msg.Header.RequestID, &ipc.InjectResponse{
		Result: result.String(),
	})
}

func buildInjectedEvent(req *ipc.InjectRequest) (*dispatch.InjectedEvent, error) {
	now := time.Now().UnixNano()

	switch req.Kind {
	case "key":
		action := event.KeyActionDown
		if req.Action == "up" {
			action = event.KeyActionUp
		}
		return &dispatch.InjectedEvent{
			Kind:      event.KindKey,
			EventTime: now,
			Key: &event.Key{
				DeviceID: req.DeviceID,
				Source:   event.SourceKeyboard,
				Action:   action,
				KeyCode:  event.KeyCode(req.KeyCode),
				DownTime: now,
			},
		}, nil

	case "motion":
		if len(req.Pointers) == 0 {
			return nil, fmt.Errorf("motion injection requires pointers")
		}
		var action event.MotionAction
		switch req.Action {
		case "down":
			action = event.MotionActionDown
		case "up":
			action = event.MotionActionUp
		case "move":
			action = event.MotionActionMove
		case "cancel":
			action = event.MotionActionCancel
		case "hover_enter":
			action = event.MotionActionHoverEnter
		case "hover_move":
			action = event.MotionActionHoverMove
		case "hover_exit":
			action = event.MotionActionHoverExit
		case "scroll":
			action = event.MotionActionScroll
		default:
			return nil, fmt.Errorf("unsupported motion action %q", req.Action)
		}

		props := make([]event.PointerProperties, len(req.Pointers))
		coords := make([]event.PointerCoords, len(req.Pointers))
		for i, p := range req.Pointers {
			props[i] = event.PointerProperties{ID: p.ID, ToolType: event.ToolTypeFinger}
			coords[i] = event.PointerCoords{X: p.X, Y: p.Y, Pressure: 1}
		}
		return &dispatch.InjectedEvent{
			Kind:      event.KindMotion,
			EventTime: now,
			Motion: &event.Motion{
				DeviceID:          req.DeviceID,
				Source:            event.SourceTouchscreen,
				Action:            action,
				DownTime:          now,
				PointerProperties: props,
				PointerCoords:     coords,
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported injection kind %q", req.Kind)
	}
}
