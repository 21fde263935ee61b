package fsm_test

import (
	"slices"
	"testing"

	"github.com/bgpmon/collector/internal/fsm"
)

// TestFSMTransitionTable exercises the RFC 4271 section 8 transitions that
// the session engine relies on, including the Established/OpenConfirm/
// OpenSent teardown path and the MRT-synthesised session's direct entry.
func TestFSMTransitionTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		state       fsm.State
		event       fsm.Event
		wantState   fsm.State
		wantChanged bool
		wantActions []fsm.Action
	}{
		{
			name:        "Idle+ManualStart->Connect",
			state:       fsm.StateIdle,
			event:       fsm.EventManualStart,
			wantState:   fsm.StateConnect,
			wantChanged: true,
			wantActions: []fsm.Action{fsm.ActionStartConnectRetryTimer, fsm.ActionInitiateTcpConnect},
		},
		{
			name:        "Connect+TcpConnectionConfirmed->OpenSent",
			state:       fsm.StateConnect,
			event:       fsm.EventTcpConnectionConfirmed,
			wantState:   fsm.StateOpenSent,
			wantChanged: true,
			wantActions: []fsm.Action{fsm.ActionStopConnectRetryTimer, fsm.ActionSendOpen, fsm.ActionStartHoldTimer},
		},
		{
			name:        "Connect+TcpConnectionFails->Active",
			state:       fsm.StateConnect,
			event:       fsm.EventTcpConnectionFails,
			wantState:   fsm.StateActive,
			wantChanged: true,
			wantActions: []fsm.Action{fsm.ActionStartConnectRetryTimer},
		},
		{
			name:        "OpenSent+BgpOpen->OpenConfirm",
			state:       fsm.StateOpenSent,
			event:       fsm.EventBgpOpen,
			wantState:   fsm.StateOpenConfirm,
			wantChanged: true,
			wantActions: []fsm.Action{fsm.ActionSendKeepalive, fsm.ActionStartHoldTimer, fsm.ActionStartKeepaliveTimer},
		},
		{
			name:      "OpenSent+BgpOpenMsgErr->Idle",
			state:     fsm.StateOpenSent,
			event:     fsm.EventBgpOpenMsgErr,
			wantState: fsm.StateIdle,
			wantChanged: true,
			wantActions: []fsm.Action{
				fsm.ActionSendNotification, fsm.ActionStopTimers, fsm.ActionRecordDownTime,
				fsm.ActionReleaseTables, fsm.ActionCloseConnection,
			},
		},
		{
			name:        "OpenConfirm+KeepAliveMsg->Established",
			state:       fsm.StateOpenConfirm,
			event:       fsm.EventKeepAliveMsg,
			wantState:   fsm.StateEstablished,
			wantChanged: true,
			wantActions: []fsm.Action{fsm.ActionStartHoldTimer, fsm.ActionCreateTables, fsm.ActionRecordEstablishTime, fsm.ActionEmitStateChange},
		},
		{
			name:        "Established+UpdateMsg->Established (self-loop)",
			state:       fsm.StateEstablished,
			event:       fsm.EventUpdateMsg,
			wantState:   fsm.StateEstablished,
			wantChanged: false,
			wantActions: []fsm.Action{fsm.ActionStartHoldTimer},
		},
		{
			name:      "Established+HoldTimerExpire->Idle",
			state:     fsm.StateEstablished,
			event:     fsm.EventHoldTimerExpire,
			wantState: fsm.StateIdle,
			wantChanged: true,
			wantActions: []fsm.Action{
				fsm.ActionSendNotification, fsm.ActionStopTimers, fsm.ActionRecordDownTime,
				fsm.ActionReleaseTables, fsm.ActionCloseConnection,
			},
		},
		{
			name:      "Established+TcpConnectionFails->Idle",
			state:     fsm.StateEstablished,
			event:     fsm.EventTcpConnectionFails,
			wantState: fsm.StateIdle,
			wantChanged: true,
			wantActions: []fsm.Action{
				fsm.ActionStopTimers, fsm.ActionRecordDownTime, fsm.ActionReleaseTables, fsm.ActionCloseConnection,
			},
		},
		{
			name:        "MrtEstablished+ManualStop->Idle",
			state:       fsm.StateMrtEstablished,
			event:       fsm.EventManualStop,
			wantState:   fsm.StateIdle,
			wantChanged: true,
			wantActions: []fsm.Action{fsm.ActionReleaseTables, fsm.ActionRecordDownTime},
		},
		{
			name:        "unmapped pair is ignored",
			state:       fsm.StateIdle,
			event:       fsm.EventUpdateMsg,
			wantState:   fsm.StateIdle,
			wantChanged: false,
			wantActions: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := fsm.ApplyEvent(tt.state, tt.event)
			if got.NewState != tt.wantState {
				t.Errorf("new state: got %v, want %v", got.NewState, tt.wantState)
			}
			if got.Changed != tt.wantChanged {
				t.Errorf("changed: got %v, want %v", got.Changed, tt.wantChanged)
			}
			if !slices.Equal(got.Actions, tt.wantActions) {
				t.Errorf("actions: got %v, want %v", got.Actions, tt.wantActions)
			}
			if got.OldState != tt.state {
				t.Errorf("old state: got %v, want %v", got.OldState, tt.state)
			}
		})
	}
}

func TestEnterMrtEstablished(t *testing.T) {
	t.Parallel()
	got := fsm.EnterMrtEstablished()
	if got.NewState != fsm.StateMrtEstablished || !got.Changed {
		t.Fatalf("expected transition into MrtEstablished, got %+v", got)
	}
}

func TestStateAndEventStringersCoverAllValues(t *testing.T) {
	t.Parallel()
	states := []fsm.State{
		fsm.StateIdle, fsm.StateConnect, fsm.StateActive, fsm.StateOpenSent,
		fsm.StateOpenConfirm, fsm.StateEstablished, fsm.StateMrtEstablished, fsm.StateError,
	}
	for _, s := range states {
		if s.String() == "Unknown" {
			t.Errorf("state %d stringified to Unknown", s)
		}
	}

	events := []fsm.Event{
		fsm.EventManualStart, fsm.EventManualStop, fsm.EventConnectRetryTimerExpire,
		fsm.EventHoldTimerExpire, fsm.EventKeepaliveTimerExpire, fsm.EventTcpConnectionConfirmed,
		fsm.EventTcpConnectionFails, fsm.EventBgpOpen, fsm.EventBgpOpenMsgErr, fsm.EventBgpHeaderErr,
		fsm.EventNotifMsgVerErr, fsm.EventNotifMsg, fsm.EventKeepAliveMsg, fsm.EventUpdateMsg,
		fsm.EventUpdateMsgErr, fsm.EventUnsupportedCapability, fsm.EventNone,
	}
	for _, e := range events {
		if e.String() == "Unknown" {
			t.Errorf("event %d stringified to Unknown", e)
		}
	}
}
