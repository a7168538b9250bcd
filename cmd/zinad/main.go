package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	"github.com/jaydenbeard/zina-ratchet/internal/config"
	"github.com/jaydenbeard/zina-ratchet/internal/curve25519"
	"github.com/jaydenbeard/zina-ratchet/internal/dedup"
	"github.com/jaydenbeard/zina-ratchet/internal/errs"
	"github.com/jaydenbeard/zina-ratchet/internal/metrics"
	"github.com/jaydenbeard/zina-ratchet/internal/pipeline"
	"github.com/jaydenbeard/zina-ratchet/internal/prekey"
	"github.com/jaydenbeard/zina-ratchet/internal/provisioning"
	"github.com/jaydenbeard/zina-ratchet/internal/store"
	"github.com/jaydenbeard/zina-ratchet/internal/transport"
	"github.com/jaydenbeard/zina-ratchet/internal/wire"
)

func main() {
	cfg := config.Load()
	log.Printf("Starting zinad: %s", cfg.ServerID)

	localStore, err := store.Open(cfg.SQLitePath, cfg.StorePassphrase)
	if err != nil {
		log.Fatalf("Failed to open local store: %v", err)
	}
	defer localStore.Close()

	directory, err := provisioning.Open(cfg.PostgresURL)
	if err != nil {
		log.Fatalf("Failed to connect to provisioning directory: %v", err)
	}
	defer directory.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisURL, DB: cfg.RedisDB})
	defer redisClient.Close()
	dedupCache := dedup.New(cfg.RedisURL, "", cfg.RedisDB)
	defer dedupCache.Close()
	runQueue := pipeline.NewRunQueue(redisClient)

	hub := transport.NewHub(cfg.TransportToken)

	identity, err := curve25519.GenerateKeyPair()
	if err != nil {
		log.Fatalf("Failed to generate server identity key pair: %v", err)
	}

	preKeyMgr := prekey.NewManager(localStore)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if _, err := preKeyMgr.Refill(ctx, cfg.PreKeyBatchSize, cfg.PreKeyRefillThreshold); err != nil {
		log.Printf("Warning: initial pre-key refill failed: %v", err)
	}
	cancel()

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()
	localStore.StartRetentionSweeper(rootCtx, 6*time.Hour)

	// This process holds one device's own pre-key pool, so the per-device
	// PreKeysRemaining/PreKeysReplenished labels both resolve to this server's
	// own identity rather than to a remote peer's.
	go watchPreKeySupply(rootCtx, preKeyMgr, cfg)

	receivers := make(map[string]*pipeline.ReceivePipeline)
	senders := make(map[string]*pipeline.SendPipeline)
	pipelineFor := func(localUser string) (*pipeline.ReceivePipeline, *pipeline.SendPipeline) {
		if recv, ok := receivers[localUser]; ok {
			return recv, senders[localUser]
		}
		recv := &pipeline.ReceivePipeline{
			LocalUser:    localUser,
			Store:        localStore,
			Staged:       localStore,
			PreKeys:      preKeyMgr,
			Provisioning: directory,
			Dedup:        dedupCache,
			Identity:     identity,
			Callbacks:    pipeline.LogCallbacks{},
		}
		send := &pipeline.SendPipeline{
			LocalUser:    localUser,
			Store:        localStore,
			Provisioning: directory,
			Transport:    hub,
			Identity:     identity,
		}
		receivers[localUser] = recv
		senders[localUser] = send

		go runQueue.Consume(rootCtx, localUser, "zinad", cfg.ServerID, func(ctx context.Context, item *pipeline.CmdQueueInfo) error {
			switch item.Kind {
			case pipeline.CmdReceivedRawData:
				rec, err := findRawRecord(ctx, localStore, item.RawSeq)
				if err != nil || rec == nil {
					return err
				}
				return recv.HandleRawFrame(ctx, rec.Payload)
			case pipeline.CmdCheckForRetry:
				return replayPending(ctx, localStore, recv)
			default:
				log.Printf("[zinad] unhandled run queue item kind %s for %s", item.Kind, localUser)
				return nil
			}
		})

		if err := runQueue.Enqueue(rootCtx, &pipeline.CmdQueueInfo{Kind: pipeline.CmdCheckForRetry, LocalUser: localUser}); err != nil {
			log.Printf("[zinad] failed to enqueue startup retry check for %s: %v", localUser, err)
		}

		return recv, send
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	router.Handle("/metrics", metrics.Handler()).Methods("GET")

	router.HandleFunc("/ws/{userId}/{deviceId}", func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		if err := hub.ServeWS(w, r, vars["userId"], vars["deviceId"]); err != nil {
			if errs.CodeOf(err) == errs.AuthFailed {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			http.Error(w, err.Error(), http.StatusBadGateway)
		}
	}).Methods("GET")

	router.HandleFunc("/v1/devices/{userId}/{deviceId}", func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		var body struct {
			Name        string `json:"name"`
			IdentityPub string `json:"identityPub"`
			PreKeyCount int    `json:"preKeyCount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		idRaw, err := base64.StdEncoding.DecodeString(body.IdentityPub)
		if err != nil || len(idRaw) != curve25519.PublicKeySize {
			http.Error(w, "invalid identityPub", http.StatusBadRequest)
			return
		}
		var identityPub curve25519.PublicKey
		copy(identityPub[:], idRaw)

		count := body.PreKeyCount
		if count <= 0 {
			count = prekey.DefaultBatchSize
		}
		keys, err := preKeyMgr.GenerateBatch(r.Context(), count)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		published := make(map[uint32]curve25519.PublicKey, len(keys))
		for _, k := range keys {
			published[k.ID] = k.Pair.Public
		}
		if err := directory.RegisterDevice(r.Context(), vars["userId"], vars["deviceId"], body.Name, identityPub, published); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}).Methods("POST")

	router.HandleFunc("/v1/messages/{fromUser}/{fromDevice}/{toUser}", func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, send := pipelineFor(vars["fromUser"])
		results, err := send.Send(r.Context(), vars["toUser"], vars["fromDevice"], body, nil, wire.MsgNormal)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(results)
	}).Methods("POST")

	router.HandleFunc("/v1/inbound/{toUser}", func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		frame, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		recv, _ := pipelineFor(vars["toUser"])
		if err := recv.HandleRawFrame(r.Context(), frame); err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}).Methods("POST")

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Device-ID"},
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           corsHandler.Handler(metrics.MetricsMiddleware(router)),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("zinad listening on port %s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("Received signal %v - starting graceful shutdown", sig)

	stop()
	hub.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Warning: HTTP server shutdown error: %v", err)
	}

	log.Println("zinad stopped gracefully")
}

// watchPreKeySupply periodically tops up this device's own pre-key pool and
// reports the result via PreKeysRemaining/PreKeysReplenished.
func watchPreKeySupply(ctx context.Context, mgr *prekey.Manager, cfg *config.Config) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			created, err := mgr.Refill(ctx, cfg.PreKeyBatchSize, cfg.PreKeyRefillThreshold)
			if err != nil {
				log.Printf("[zinad] pre-key refill check failed: %v", err)
				continue
			}
			if created > 0 {
				metrics.PreKeysReplenished.WithLabelValues(cfg.ServerID, cfg.ServerID).Add(float64(created))
			}
			if n, err := mgr.Count(ctx); err == nil {
				metrics.UpdatePreKeysRemaining(cfg.ServerID, cfg.ServerID, n)
			}
		}
	}
}

func findRawRecord(ctx context.Context, s *store.Store, seq int64) (*store.RawDataRecord, error) {
	pending, err := s.LoadPendingRawData(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range pending {
		if rec.Seq == seq {
			return rec, nil
		}
	}
	return nil, nil
}

// replayPending implements spec.md §4.8's CheckForRetry startup sweep: any
// raw frame that was persisted but never reached DeleteRawData (process died
// mid-decrypt) is replayed in sequence order.
func replayPending(ctx context.Context, s *store.Store, recv *pipeline.ReceivePipeline) error {
	pending, err := s.LoadPendingRawData(ctx)
	if err != nil {
		return err
	}
	for _, rec := range pending {
		if err := recv.ReplayRaw(ctx, rec.Seq, rec.Payload); err != nil {
			log.Printf("[zinad] retry replay failed for raw seq %d: %v", rec.Seq, err)
		}
	}
	return nil
}
