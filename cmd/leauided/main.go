// Command leauided is the composition root: it loads configuration, wires
// a real BlueZ adapter to the VCS/CSIS/ASCS engines, fans every engine's
// upward callback out over a WebSocket event bus, and serves a small
// status surface -- the same shape as the teacher's main.go standing up a
// BluetoothManager, a WebSocketHub, and a Server together, but driving
// this repo's audio-control engines instead of the teacher's media
// session.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/leaudio-go/leaudio/internal/aics"
	"github.com/leaudio-go/leaudio/internal/apperr"
	"github.com/leaudio-go/leaudio/internal/ascs"
	"github.com/leaudio-go/leaudio/internal/bondstore"
	"github.com/leaudio-go/leaudio/internal/btuuid"
	"github.com/leaudio-go/leaudio/internal/config"
	"github.com/leaudio-go/leaudio/internal/connreg"
	"github.com/leaudio-go/leaudio/internal/csis"
	"github.com/leaudio-go/leaudio/internal/eventbus"
	"github.com/leaudio-go/leaudio/internal/gattsurface"
	"github.com/leaudio-go/leaudio/internal/ltcrypto"
	"github.com/leaudio-go/leaudio/internal/vcs"
	"github.com/leaudio-go/leaudio/internal/vocs"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("leauided: config: %v", err)
	}

	bonds := bondstore.NewMemory()

	adapter, err := gattsurface.NewBlueZAdapter(bonds)
	if err != nil {
		log.Fatalf("leauided: bluez: %v", err)
	}

	hub := eventbus.NewHub()

	vcsServer := newVCS(cfg, hub)
	csisEngine := newCSIS(cfg, bonds, hub)
	ascsManager := newASCS(cfg, bonds, hub)

	vcsTree := vcsServer.BuildAttrs(adapter)
	if err := adapter.RegisterService(vcsTree); err != nil {
		log.Fatalf("leauided: register vcs: %v", err)
	}

	csisTree := &gattsurface.ServiceTree{UUID: btuuid.CSIS, Attrs: csisEngine.BuildAttrs(adapter)}
	if err := adapter.RegisterService(csisTree); err != nil {
		log.Fatalf("leauided: register csis: %v", err)
	}

	ascsTree := &gattsurface.ServiceTree{UUID: btuuid.ASCS, Attrs: ascsManager.BuildAttrs(adapter)}
	if err := adapter.RegisterService(ascsTree); err != nil {
		log.Fatalf("leauided: register ascs: %v", err)
	}

	serveStatus(cfg, hub, vcsServer, csisEngine)
}

func newVCS(cfg config.Config, hub *eventbus.Hub) *vcs.Server {
	vocsInit := make([]vocs.InitParams, cfg.VocsCount)
	for i := range vocsInit {
		vocsInit[i] = vocs.InitParams{Location: 0, Description: "speaker"}
	}
	aicsInit := make([]aics.InitParams, cfg.AicsCount)
	for i := range aicsInit {
		aicsInit[i] = aics.InitParams{
			Gain:         0,
			Mute:         aics.Unmuted,
			Mode:         aics.ModeManual,
			GainSettings: aics.GainSettings{Units: 1, Minimum: -40, Maximum: 40},
			InputType:    aics.InputTypeAnalog,
			Status:       aics.StatusActive,
		}
	}

	srv := vcs.NewServer()
	apiErr := srv.Init(vcs.InitParams{
		Volume:     cfg.InitialVolume,
		Mute:       vcs.Unmuted,
		VolumeStep: cfg.VolumeStep,
		VocsInit:   vocsInit,
		AicsInit:   aicsInit,
		Callbacks: vcs.Callbacks{
			OnState: func(conn *connreg.Conn, err apperr.APIError, volume uint8, mute vcs.Mute) {
				hub.Broadcast(eventbus.Event{Type: "vcs.state", Payload: map[string]interface{}{
					"volume": volume, "mute": mute,
				}})
			},
			OnFlags: func(conn *connreg.Conn, err apperr.APIError, flags vcs.Flags) {
				hub.Broadcast(eventbus.Event{Type: "vcs.flags", Payload: map[string]interface{}{
					"volume_changed": flags.VolumeChanged(),
				}})
			},
		},
	})
	if apiErr != 0 {
		log.Fatalf("leauided: vcs init: %v", apiErr)
	}
	return srv
}

func newCSIS(cfg config.Config, bonds bondstore.Store, hub *eventbus.Hub) *csis.Engine {
	e := csis.NewEngine()
	apiErr := e.Init(csis.InitParams{
		Seed:               cfg.CSISSeed,
		SetSize:            cfg.CSISSetSize,
		Rank:               cfg.CSISRank,
		PendNotifyCapacity: cfg.CSISBondTableSize,
		OverwriteOldest:    true,
		Bonds:              bonds,
		Encrypter:          ltcrypto.AESEncrypter{},
		Randomizer:         ltcrypto.CryptoRandRandomizer{},
		Callbacks: csis.Callbacks{
			OnLocked: func(conn *connreg.Conn, locked bool) {
				hub.Broadcast(eventbus.Event{Type: "csis.lock", Payload: map[string]interface{}{
					"locked": locked,
				}})
			},
		},
	})
	if apiErr != 0 {
		log.Fatalf("leauided: csis init: %v", apiErr)
	}
	return e
}

func newASCS(cfg config.Config, bonds bondstore.Store, hub *eventbus.Hub) *ascs.Manager {
	m := ascs.NewManager()
	apiErr := m.Init(ascs.InitParams{
		SinkCount:   uint8(cfg.SinkASECount),
		SourceCount: uint8(cfg.SourceASECount),
		Bonds:       bonds,
		Callbacks: ascs.Callbacks{
			OnAseState: func(conn *connreg.Conn, aseID byte, state ascs.State) {
				hub.Broadcast(eventbus.Event{Type: "ascs.ase_state", Payload: map[string]interface{}{
					"ase_id": aseID, "state": state.String(),
				}})
			},
		},
	})
	if apiErr != 0 {
		log.Fatalf("leauided: ascs init: %v", apiErr)
	}
	return m
}

// serveStatus brings up the monitoring HTTP surface -- /healthz, /status,
// and /ws -- and blocks until SIGINT/SIGTERM, the same graceful-shutdown
// shape as the teacher's server.Server.Start.
func serveStatus(cfg config.Config, hub *eventbus.Hub, vcsServer *vcs.Server, csisEngine *csis.Engine) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		state, flags := vcsServer.Snapshot()
		lock, lockAddr := csisEngine.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"vcs": map[string]interface{}{
				"volume":         state.Volume,
				"mute":           state.Mute,
				"counter":        state.Counter,
				"volume_changed": flags.VolumeChanged(),
			},
			"csis": map[string]interface{}{
				"lock":             lock,
				"lock_client_addr": lockAddr,
			},
		})
	})
	mux.HandleFunc("/ws", hub.ServeHTTP)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	go func() {
		log.Printf("leauided: status server listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("leauided: status server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("leauided: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("leauided: shutdown: %v", err)
	}
	log.Println("leauided: stopped")
}
