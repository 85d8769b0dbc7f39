// Command reprocess queues a transcode job for an existing video, either
// through the running server's API or by publishing straight onto the Redis
// stream the workers consume.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"reelstream/internal/pipeline"
)

func main() {
	var (
		serverURL string
		token     string
		redisAddr string
		stream    string
		group     string
		reason    string
	)

	flag.StringVar(&serverURL, "server", "", "Base URL of the running server, e.g. http://localhost:8080")
	flag.StringVar(&token, "token", "", "Session token of an admin account (env REELSTREAM_TOKEN)")
	flag.StringVar(&redisAddr, "redis-addr", "", "Redis address for direct stream publishing")
	flag.StringVar(&stream, "redis-stream", "", "Redis stream carrying transcode jobs")
	flag.StringVar(&group, "redis-group", "", "Redis consumer group name")
	flag.StringVar(&reason, "reason", "reprocess", "Reason recorded on the queued job")
	flag.Parse()

	videoIDs := flag.Args()
	if len(videoIDs) == 0 {
		fatalf("usage: reprocess [flags] VIDEO_ID [VIDEO_ID...]")
	}
	if serverURL == "" && redisAddr == "" {
		fatalf("either --server or --redis-addr must be provided")
	}
	if serverURL != "" && redisAddr != "" {
		fatalf("only one delivery option may be provided")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var publish func(ctx context.Context, videoID string) error
	if serverURL != "" {
		if token == "" {
			token = strings.TrimSpace(os.Getenv("REELSTREAM_TOKEN"))
		}
		if token == "" {
			fatalf("--token or REELSTREAM_TOKEN is required with --server")
		}
		publish = httpPublisher(strings.TrimRight(serverURL, "/"), token)
	} else {
		queue, err := pipeline.NewRedisQueue(pipeline.RedisQueueConfig{
			Addr:   redisAddr,
			Stream: stream,
			Group:  group,
		})
		if err != nil {
			fatalf("connect to redis: %v", err)
		}
		defer func() {
			if closer, ok := queue.(interface{ Close() }); ok {
				closer.Close()
			}
		}()
		publish = func(ctx context.Context, videoID string) error {
			return queue.Publish(ctx, pipeline.Job{
				VideoID:    videoID,
				Reason:     reason,
				EnqueuedAt: time.Now().UTC(),
			})
		}
	}

	failed := 0
	for _, videoID := range videoIDs {
		if err := publish(ctx, videoID); err != nil {
			fmt.Fprintf(os.Stderr, "queue %s: %v\n", videoID, err)
			failed++
			continue
		}
		fmt.Printf("queued %s\n", videoID)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func httpPublisher(baseURL, token string) func(ctx context.Context, videoID string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	return func(ctx context.Context, videoID string) error {
		url := fmt.Sprintf("%s/video/%s/reprocess", baseURL, videoID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			return fmt.Errorf("server returned %s: %s", resp.Status, readError(resp.Body))
		}
		return nil
	}
}

func readError(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return "no response body"
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(data))
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
