package daemon

import (
	"context"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/heartline/internal/call"
	"github.com/matheus3301/heartline/internal/config"
	"github.com/matheus3301/heartline/internal/model"
	"github.com/matheus3301/heartline/internal/profile"
	"github.com/matheus3301/heartline/internal/relay"
	"github.com/matheus3301/heartline/internal/rpc"
	"go.uber.org/fx"
)

type harness struct {
	srv  *httptest.Server
	auth *relay.Authenticator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	// Use a short path to avoid the 104-char Unix socket limit on macOS.
	home, err := os.MkdirTemp("/tmp", "hl-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(home) })
	t.Setenv("HEARTLINE_HOME", home)

	auth, err := relay.NewAuthenticator("daemon-test")
	if err != nil {
		t.Fatal(err)
	}
	s := relay.NewServer(auth, relay.DefaultHubOptions(), nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Hub().Close()
		srv.Close()
	})
	return &harness{srv: srv, auth: auth}
}

func (h *harness) config(t *testing.T, user string) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.ServerURL = "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	cfg.APIURL = h.srv.URL
	cfg.LogLevel = "warn"
	cfg.Timeline.PollInterval = config.Duration(time.Hour)
	if user != "" {
		tok, err := h.auth.Issue(user, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		cfg.Credential = tok
	}
	return cfg
}

func startDaemon(t *testing.T, name string, cfg *config.Config) *rpc.Client {
	t.Helper()
	app := fx.New(Module(Params{Profile: name, Config: cfg}), fx.NopLogger)
	if err := app.Err(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Stop(ctx)
	})

	client, err := rpc.Dial(profile.SocketPath(name))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func status(t *testing.T, c *rpc.Client) rpc.StatusResponse {
	t.Helper()
	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func TestDaemonLifecycle(t *testing.T) {
	h := newHarness(t)
	client := startDaemon(t, "idle", h.config(t, ""))

	st := status(t, client)
	if st.Profile != "idle" || st.State != "disconnected" {
		t.Errorf("status = %+v", st)
	}
	if _, err := os.Stat(profile.CacheDBPath("idle")); err != nil {
		t.Errorf("cache db missing: %v", err)
	}

	tok, err := h.auth.Issue("carol", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Call(context.Background(), rpc.SessionService, "Connect", rpc.ConnectRequest{Credential: tok}, &rpc.Empty{}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "connected", func() bool { return status(t, client).State == "connected" })
	if got := status(t, client).UserID; got != "carol" {
		t.Errorf("user id = %q, want carol", got)
	}

	if err := client.Call(context.Background(), rpc.SessionService, "Disconnect", rpc.Empty{}, &rpc.Empty{}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "disconnected", func() bool { return status(t, client).State == "disconnected" })
}

func TestSecondDaemonForProfileFails(t *testing.T) {
	h := newHarness(t)
	client := startDaemon(t, "solo", h.config(t, ""))

	app := fx.New(Module(Params{Profile: "solo", Config: h.config(t, "")}), fx.NopLogger)
	if app.Err() == nil {
		t.Fatal("second daemon for the same profile should fail")
	}
	// The first daemon keeps its socket.
	if _, err := client.Status(context.Background()); err != nil {
		t.Errorf("first daemon unreachable: %v", err)
	}
}

func TestMessagesAndCallsBetweenDaemons(t *testing.T) {
	h := newHarness(t)
	alice := startDaemon(t, "alice", h.config(t, "alice"))
	bob := startDaemon(t, "bob", h.config(t, "bob"))
	ctx := context.Background()

	eventually(t, "both connected", func() bool {
		return status(t, alice).State == "connected" && status(t, bob).State == "connected"
	})
	eventually(t, "alice sees bob online", func() bool {
		var p rpc.PresenceResponse
		if err := alice.Call(ctx, rpc.PresenceService, "Get", rpc.Empty{}, &p); err != nil {
			t.Fatal(err)
		}
		return len(p.Online) == 1 && p.Online[0] == "bob"
	})

	var conv rpc.ConversationRequest
	if err := alice.Call(ctx, rpc.MessagesService, "Create", rpc.CreateConversationRequest{PeerID: "bob"}, &conv); err != nil {
		t.Fatal(err)
	}
	if err := alice.Call(ctx, rpc.MessagesService, "Open", conv, &rpc.MessagesResponse{}); err != nil {
		t.Fatal(err)
	}

	var sent rpc.SendResponse
	if err := alice.Call(ctx, rpc.MessagesService, "SendText", rpc.SendTextRequest{ConversationID: conv.ConversationID, Body: "hey bob", Wait: true}, &sent); err != nil {
		t.Fatal(err)
	}
	if sent.Message.ID == "" || sent.Message.Status != model.StatusSent {
		t.Errorf("sent = %+v", sent.Message)
	}

	eventually(t, "bob receives the message", func() bool {
		var list rpc.MessagesResponse
		if err := bob.Call(ctx, rpc.MessagesService, "List", conv, &list); err != nil {
			t.Fatal(err)
		}
		return len(list.Messages) == 1 && list.Messages[0].Body == "hey bob"
	})
	eventually(t, "alice sees it delivered", func() bool {
		var list rpc.MessagesResponse
		if err := alice.Call(ctx, rpc.MessagesService, "List", conv, &list); err != nil {
			t.Fatal(err)
		}
		return len(list.Messages) == 1 && list.Messages[0].Status == model.StatusDelivered
	})

	var started rpc.CallResponse
	if err := alice.Call(ctx, rpc.CallsService, "Start", rpc.StartCallRequest{RemoteID: "bob", Modality: model.ModalityVideo}, &started); err != nil {
		t.Fatal(err)
	}
	if started.Call.Role != model.RoleCaller {
		t.Errorf("caller role = %q", started.Call.Role)
	}
	eventually(t, "bob rings", func() bool {
		st := status(t, bob)
		return st.Call.State == call.StateIncoming && st.Call.RemoteID == "alice"
	})
	if err := bob.Call(ctx, rpc.CallsService, "Respond", rpc.RespondRequest{Accept: true}, &rpc.CallResponse{}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "both talking", func() bool {
		return status(t, alice).Call.State == call.StateTalking && status(t, bob).Call.State == call.StateTalking
	})

	if err := alice.Call(ctx, rpc.CallsService, "End", rpc.EndCallRequest{}, &rpc.CallResponse{}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "bob's call ends", func() bool {
		var resp rpc.CallResponse
		if err := bob.Call(ctx, rpc.CallsService, "Get", rpc.Empty{}, &resp); err != nil {
			t.Fatal(err)
		}
		return !resp.Active
	})
	eventually(t, "call event in the conversation", func() bool {
		var list rpc.MessagesResponse
		if err := bob.Call(ctx, rpc.MessagesService, "List", conv, &list); err != nil {
			t.Fatal(err)
		}
		for _, m := range list.Messages {
			if m.Kind == model.KindCallEvent {
				return true
			}
		}
		return false
	})
}
