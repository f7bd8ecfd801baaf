package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ridehail/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver presence messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	msgsStale = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_stale_total",
		Help: "Total messages dropped because a newer report was already stored",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, msgsStale, redisUpdates, redisErrors)
}

func main() {
	// allow some flags for local runs
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	brokersEnv := os.Getenv("KAFKA_BROKERS")
	if brokersEnv == "" {
		brokersEnv = os.Getenv("KAFKA_BROKER")
	}
	brokers := []string{}
	if brokersEnv != "" {
		for _, b := range strings.Split(brokersEnv, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	} else {
		brokers = []string{"localhost:9092"}
	}

	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		topic = "driver-locations"
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "ridehail-presence-consumer"
	}
	geoKey := os.Getenv("REDIS_GEO_KEY")
	if geoKey == "" {
		geoKey = "drivers_geo"
	}
	freshness := 30 * time.Minute
	if v := os.Getenv("LOCATION_FRESHNESS_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			freshness = d
		}
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rc := redis.NewClient(&redis.Options{Addr: redisAddr, Password: os.Getenv("REDIS_PASSWORD")})
	w := &presenceWriter{c: rc, geoKey: geoKey, ttl: freshness + time.Minute}

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			// readiness: check redis connectivity
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		log.Printf("metrics/health listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	log.Printf("consumer listening topic=%s brokers=%v group=%s", topic, brokers, group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down consumer")
				return
			}
			log.Printf("kafka read error: %v; backing off %s", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()

		var p models.DriverPresence
		if err := json.Unmarshal(m.Value, &p); err != nil || p.DriverID == "" || !p.Loc.Valid() {
			msgsInvalid.Inc()
			log.Printf("invalid message: %v", err)
			continue
		}

		stored, err := storePresenceWithRetry(ctx, w, &p, 3, 200*time.Millisecond)
		if err != nil {
			redisErrors.Inc()
			log.Printf("redis update failed for driver=%s: %v", p.DriverID, err)
			continue
		}
		if !stored {
			msgsStale.Inc()
			continue
		}
		redisUpdates.Inc()
	}
}

// PresenceStore is the small subset of redis operations we need for
// tests and production.
type PresenceStore interface {
	ObservedAt(ctx context.Context, driverID string) (time.Time, bool)
	GeoAdd(ctx context.Context, loc *redis.GeoLocation) error
	SetMeta(ctx context.Context, driverID string, values map[string]interface{}) error
	RemoveDriver(ctx context.Context, driverID string) error
}

type presenceWriter struct {
	c      *redis.Client
	geoKey string
	ttl    time.Duration
}

func (w *presenceWriter) ObservedAt(ctx context.Context, driverID string) (time.Time, bool) {
	v, err := w.c.HGet(ctx, "driver:presence:"+driverID, "observed_at").Result()
	if err != nil {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, v)
	return ts, err == nil
}

func (w *presenceWriter) GeoAdd(ctx context.Context, loc *redis.GeoLocation) error {
	_, err := w.c.GeoAdd(ctx, w.geoKey, loc).Result()
	return err
}

func (w *presenceWriter) SetMeta(ctx context.Context, driverID string, values map[string]interface{}) error {
	key := "driver:presence:" + driverID
	if _, err := w.c.HSet(ctx, key, values).Result(); err != nil {
		return err
	}
	return w.c.Expire(ctx, key, w.ttl).Err()
}

func (w *presenceWriter) RemoveDriver(ctx context.Context, driverID string) error {
	if err := w.c.ZRem(ctx, w.geoKey, driverID).Err(); err != nil {
		return err
	}
	return w.c.Del(ctx, "driver:presence:"+driverID).Err()
}

// storePresenceWithRetry writes a presence report with retry/backoff.
// Reports older than the stored one are dropped and reported as not
// stored; offline reports remove the driver entirely.
func storePresenceWithRetry(ctx context.Context, ps PresenceStore, p *models.DriverPresence, attempts int, delay time.Duration) (bool, error) {
	if cur, ok := ps.ObservedAt(ctx, p.DriverID); ok && p.ObservedAt.Before(cur) {
		return false, nil
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		if !p.Online {
			if lastErr = ps.RemoveDriver(ctx, p.DriverID); lastErr != nil {
				continue
			}
			return true, nil
		}
		if lastErr = ps.GeoAdd(ctx, &redis.GeoLocation{Longitude: p.Loc.Lon, Latitude: p.Loc.Lat, Name: p.DriverID}); lastErr != nil {
			continue
		}
		if lastErr = ps.SetMeta(ctx, p.DriverID, map[string]interface{}{
			"heading":     strconv.FormatFloat(p.Heading, 'f', -1, 64),
			"speed":       strconv.FormatFloat(p.Speed, 'f', -1, 64),
			"accuracy":    strconv.FormatFloat(p.Accuracy, 'f', -1, 64),
			"online":      strconv.FormatBool(p.Online),
			"observed_at": p.ObservedAt.Format(time.RFC3339Nano),
		}); lastErr != nil {
			continue
		}
		return true, nil
	}
	return false, lastErr
}
