package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"

	"github.com/alimasry/go-liveroom/client"
	"github.com/alimasry/go-liveroom/crdt"
	"github.com/alimasry/go-liveroom/presence"
	"github.com/alimasry/go-liveroom/store"
)

func main() {
	url := flag.String("url", envOrDefault("LIVEROOM_URL", "ws://127.0.0.1:8080/v1/room"), "room endpoint")
	roomID := flag.String("room", strings.TrimSpace(os.Getenv("LIVEROOM_ROOM")), "room id")
	token := flag.String("token", strings.TrimSpace(os.Getenv("LIVEROOM_TOKEN")), "static bearer token")
	tokenFile := flag.String("token-file", strings.TrimSpace(os.Getenv("LIVEROOM_TOKEN_FILE")), "token file, reloaded on change")
	authURL := flag.String("auth-url", strings.TrimSpace(os.Getenv("LIVEROOM_AUTH_URL")), "endpoint exchanging credentials for a room token")
	user := flag.String("user", envOrDefault("LIVEROOM_USER", "anonymous"), "user name sent to the auth endpoint and in presence")
	transport := flag.String("transport", envOrDefault("LIVEROOM_TRANSPORT", "gorilla"), "websocket implementation: gorilla or nhooyr")
	cache := flag.String("cache", strings.TrimSpace(os.Getenv("LIVEROOM_CACHE")), "SQLite file for offline snapshots")
	project := flag.String("firestore-project", strings.TrimSpace(os.Getenv("LIVEROOM_FIRESTORE_PROJECT")), "Firestore project for snapshots")
	flushInterval := flag.Duration("flush-interval", durationEnv("LIVEROOM_FLUSH_INTERVAL", 5*time.Second), "snapshot write-behind interval")
	heartbeat := flag.Duration("heartbeat", durationEnv("LIVEROOM_HEARTBEAT", 30*time.Second), "connection liveness check interval")
	throttle := flag.Duration("presence-throttle", durationEnv("LIVEROOM_PRESENCE_THROTTLE", 100*time.Millisecond), "minimum gap between presence messages")
	presenceJSON := flag.String("presence", "", "initial presence as a JSON object")
	set := flag.String("set", "", "key=value to write on the storage root once loaded")
	flag.Parse()

	if *roomID == "" {
		log.Fatalf("room is required (--room or LIVEROOM_ROOM)")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	instance := uuid.NewString()
	auth, closeAuth := authProvider(*token, *tokenFile, *authURL, *user, instance)
	defer closeAuth()

	snapshots, closeStore := snapshotStore(rootCtx, *cache, *project, *flushInterval)
	defer closeStore()

	initial := map[string]any{"user": *user, "instance": instance}
	if *presenceJSON != "" {
		if err := json.Unmarshal([]byte(*presenceJSON), &initial); err != nil {
			log.Fatalf("invalid --presence: %v", err)
		}
	}

	opts := client.Options{
		URL:               *url,
		Auth:              auth,
		Store:             snapshots,
		PresenceThrottle:  *throttle,
		HeartbeatInterval: *heartbeat,
		Logger:            log.Default(),
	}
	switch *transport {
	case "gorilla":
		opts.Transport = client.WebSocketTransport{}
	case "nhooyr":
		opts.Transport = client.NhooyrTransport{}
	default:
		log.Fatalf("unknown transport %q", *transport)
	}

	c := client.New(opts)
	defer c.Close()

	room, err := c.Enter(rootCtx, *roomID, initial)
	if err != nil {
		log.Fatalf("enter room %s: %v", *roomID, err)
	}
	log.Printf("liveroom: instance %s joining room %s", instance, *roomID)

	pendingSet := *set
	room.SubscribeStatus(func(s client.Status) {
		log.Printf("liveroom: status %s", s)
	})
	room.SubscribeErrors(func(err error) {
		log.Printf("liveroom: error: %v", err)
	})
	room.SubscribeOthers(func(others []presence.Other) {
		log.Printf("liveroom: %d others", len(others))
		for _, o := range others {
			log.Printf("liveroom:   actor %d %s %v", o.Actor, o.User.ID, o.Presence)
		}
	})
	room.SubscribeStorage(func(ev client.StorageEvent) {
		doc, _ := json.Marshal(room.Storage())
		log.Printf("liveroom: storage changed (local=%v reset=%v): %s", ev.Local, ev.Reset, doc)
		if pendingSet != "" && room.StorageLoaded() {
			kv := pendingSet
			pendingSet = ""
			applySet(room, kv)
		}
	})

	<-rootCtx.Done()
	log.Printf("liveroom: leaving room %s", *roomID)
}

func authProvider(token, tokenFile, authURL, user, instance string) (client.AuthProvider, func()) {
	switch {
	case authURL != "":
		credentials := map[string]string{"user": user, "instance": instance}
		return client.NewHTTPAuthProvider(authURL, credentials, nil), func() {}
	case tokenFile != "":
		p, err := client.NewFileTokenProvider(tokenFile, log.Default())
		if err != nil {
			log.Fatalf("token file: %v", err)
		}
		return p, func() { p.Close() }
	case token != "":
		return client.StaticToken(token), func() {}
	}
	log.Fatalf("credentials are required (--token, --token-file or --auth-url)")
	return nil, nil
}

// snapshotStore builds the offline cache. Writes go to the cache and are
// flushed to the durable store in the background.
func snapshotStore(ctx context.Context, path, project string, flushInterval time.Duration) (store.SnapshotStore, func()) {
	var backing store.SnapshotStore
	var closers []func() error
	switch {
	case project != "":
		fs, err := firestore.NewClient(ctx, project)
		if err != nil {
			log.Fatalf("firestore: %v", err)
		}
		backing = store.NewFirestoreStore(fs)
		closers = append(closers, fs.Close)
	case path != "":
		s, err := store.NewSQLiteStore(path)
		if err != nil {
			log.Fatalf("sqlite: %v", err)
		}
		backing = s
		closers = append(closers, s.Close)
	default:
		return store.NewMemoryStore(), func() {}
	}

	cached := store.NewCachedStore(backing, flushInterval)
	closers = append([]func() error{cached.Close}, closers...)
	return cached, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Printf("liveroom: close store: %v", err)
			}
		}
	}
}

func applySet(room *client.Room, kv string) {
	key, raw, ok := strings.Cut(kv, "=")
	if !ok || key == "" {
		log.Printf("liveroom: --set wants key=value, got %q", kv)
		return
	}
	var value any = raw
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		value = raw
	}
	if _, err := room.ApplyLocal(crdt.UpdateObject(crdt.RootID, map[string]any{key: value})); err != nil {
		log.Printf("liveroom: set %s: %v", key, err)
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
