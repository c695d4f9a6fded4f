package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"classtrack/internal/checkin"
	"classtrack/internal/config"
	"classtrack/internal/faceclient"
	"classtrack/internal/queue"
	"classtrack/internal/store"
)

// Worker consumes check-in messages, scores the proof image against
// the student's face enrollment, and attaches the similarity for the
// teacher's review screen. It never changes a record's status.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "classtrack:checkins")
	}

	repo := checkin.NewRepository(db.Client)
	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)

	if !cfg.FaceSkip {
		if err := face.Health(ctx); err != nil {
			log.Printf("WARNING: face service not available: %v", err)
			log.Println("worker will retry proof scoring when check-ins arrive")
		} else {
			log.Println("face service connected")
		}
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for messages...")
	for msg := range messages {
		if msg.Type != queue.TypeCheckin {
			continue
		}

		id := string(msg.Body)
		rec, err := repo.Get(ctx, id)
		if err != nil {
			log.Printf("fetch record %s failed: %v", id, err)
			continue
		}
		if rec.ProofURL == "" {
			log.Printf("record %s has no proof image, skipping", id)
			continue
		}

		result, err := face.Verify(ctx, rec.Student.ID, rec.ProofURL)
		if err != nil {
			log.Printf("proof scoring failed for %s: %v", id, err)
			continue
		}
		if err := repo.SetMatchScore(ctx, id, result.Similarity); err != nil {
			log.Printf("store score for %s failed: %v", id, err)
			continue
		}
		log.Printf("record %s scored %.2f (verified=%v)", id, result.Similarity, result.Verified)
	}

	log.Println("worker stopped")
}
