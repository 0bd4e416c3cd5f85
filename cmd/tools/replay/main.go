// Package main implements the replay CLI tool for injecting recorded sensor
// readings into the detector's SQS queue.
//
// Usage:
//
//	go run ./cmd/tools/replay \
//	  --file=readings.csv --queue-url=https://sqs.../riverwatch-readings \
//	  --rate=50 --offset-to-now
//
// The input CSV has a header row and the columns:
//
//	sensor_id,metric,value,event_time
//
// event_time is RFC 3339. With --offset-to-now, all event times are shifted
// so the earliest reading lands at the current time, which replays a
// historical capture as if it were live. Because alert IDs derive from
// discharge point and window timestamp, replaying the same file with the
// same timestamps reproduces the same alerts end to end.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"riverwatch/internal/queue"
	"riverwatch/internal/types"
)

// slogAdapter wraps *slog.Logger to implement the types.Logger interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}

func main() {
	file := flag.String("file", "", "CSV file of readings to replay (required)")
	queueURL := flag.String("queue-url", os.Getenv("SQS_READINGS"), "Readings SQS queue URL (or SQS_READINGS env)")
	endpoint := flag.String("endpoint-url", os.Getenv("AWS_ENDPOINT_URL"), "AWS endpoint override for LocalStack (or AWS_ENDPOINT_URL env)")
	rate := flag.Float64("rate", 10, "Readings published per second (0 = no throttle)")
	offsetToNow := flag.Bool("offset-to-now", false, "Shift event times so the earliest reading is now")

	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *file == "" {
		logger.Error("--file is required")
		os.Exit(1)
	}
	if *queueURL == "" {
		logger.Error("--queue-url or SQS_READINGS is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	readings, err := loadReadings(*file)
	if err != nil {
		logger.Error("failed to load readings", "file", *file, "error", err)
		os.Exit(1)
	}
	if len(readings) == 0 {
		logger.Error("no readings found", "file", *file)
		os.Exit(1)
	}

	if *offsetToNow {
		shiftToNow(readings, time.Now().UTC())
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("failed to load AWS SDK config", "error", err)
		os.Exit(1)
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if *endpoint != "" {
			o.BaseEndpoint = aws.String(*endpoint)
		}
	})

	publisher := queue.NewReadingPublisher(sqsClient, *queueURL, &slogAdapter{logger: logger})

	var interval time.Duration
	if *rate > 0 {
		interval = time.Duration(float64(time.Second) / *rate)
	}

	logger.Info("replay starting",
		"file", *file,
		"readings", len(readings),
		"rate", *rate,
		"offset_to_now", *offsetToNow,
	)

	published := 0
	start := time.Now()
	for _, msg := range readings {
		if ctx.Err() != nil {
			break
		}
		if err := publisher.Publish(ctx, msg); err != nil {
			logger.Error("publish failed, aborting replay",
				"sensor_id", msg.SensorID, "published", published, "error", err)
			os.Exit(1)
		}
		published++
		if interval > 0 {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
			}
		}
	}

	logger.Info("replay finished",
		"published", published,
		"elapsed", time.Since(start).Round(time.Millisecond).String(),
	)
}

// loadReadings parses the CSV file into reading messages, preserving order.
func loadReadings(path string) ([]types.ReadingMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 4

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if header[0] != "sensor_id" || header[1] != "metric" || header[2] != "value" || header[3] != "event_time" {
		return nil, fmt.Errorf("unexpected header %v, want [sensor_id metric value event_time]", header)
	}

	var out []types.ReadingMessage
	line := 1
	for {
		row, err := r.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line+1, err)
		}
		line++

		value, err := strconv.ParseFloat(row[2], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: value %q is not a number", line, row[2])
		}
		eventTime, err := time.Parse(time.RFC3339, row[3])
		if err != nil {
			return nil, fmt.Errorf("line %d: event_time %q is not RFC 3339", line, row[3])
		}

		out = append(out, types.ReadingMessage{
			SensorID:  row[0],
			Metric:    row[1],
			Value:     value,
			EventTime: eventTime.UTC(),
		})
	}
}

// shiftToNow rebases event times so the earliest reading lands at now,
// preserving all inter-reading gaps.
func shiftToNow(readings []types.ReadingMessage, now time.Time) {
	earliest := readings[0].EventTime
	for _, msg := range readings[1:] {
		if msg.EventTime.Before(earliest) {
			earliest = msg.EventTime
		}
	}
	delta := now.Sub(earliest)
	for i := range readings {
		readings[i].EventTime = readings[i].EventTime.Add(delta)
	}
}
