package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"meetverify/internal/config"
	"meetverify/internal/notify"
	"meetverify/internal/store"
)

// Worker bridges the notifier's Redis channel to downstream subscribers.
// The API publishes fire-and-forget events; this process is where live
// dashboards, push services, and the like tap in.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)
	if !redisClient.Healthy(ctx) {
		log.Fatalf("redis not reachable at %s", cfg.RedisAddr)
	}

	notifier := notify.NewRedis(redisClient.Client, cfg.NotifyChannel)
	sub := notifier.Subscribe(ctx)
	defer func() { _ = sub.Close() }()

	log.Printf("worker started, listening on %s", cfg.NotifyChannel)
	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				log.Println("worker stopped")
				return
			}
			var evt notify.Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				log.Printf("skipping malformed event: %v", err)
				continue
			}
			handle(evt)
		case <-ctx.Done():
			log.Println("worker stopped")
			return
		}
	}
}

func handle(evt notify.Event) {
	switch evt.Type {
	case "attendanceCreated":
		log.Printf("attendance created: meeting=%s profile=%s", evt.MeetingID, evt.ProfileID)
	case "attendanceRemoved":
		log.Printf("attendance removed: meeting=%s profile=%s", evt.MeetingID, evt.ProfileID)
	case "pendingVerificationRaised":
		log.Printf("pending review raised: meeting=%s profile=%s id=%s", evt.MeetingID, evt.ProfileID, evt.RecordID)
	case "meetingStatusChanged":
		log.Printf("meeting %s is now %s", evt.MeetingID, evt.Status)
	case "qrRegenerated":
		log.Printf("meeting %s issued a new QR code", evt.MeetingID)
	default:
		log.Printf("unknown event type %q", evt.Type)
	}
}
