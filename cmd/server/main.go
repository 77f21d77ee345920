package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/nighlabs/songify-sub000/internal/lounge"
	"github.com/nighlabs/songify-sub000/internal/mqtt"
	"github.com/nighlabs/songify-sub000/internal/store"
	"github.com/nighlabs/songify-sub000/internal/websocket"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

type Config struct {
	Port       string
	DataDir    string
	RemoteName string // name the TV displays for this remote
	// MongoDB settings (optional; falls back to file storage)
	MongoURI      string
	MongoDatabase string
	// MQTT settings (optional)
	MQTTHost        string
	MQTTPort        int
	MQTTUsername    string
	MQTTPassword    string
	MQTTTopicPrefix string
}

var loungeManager *lounge.Manager
var wsHub *websocket.Hub
var mqttPublisher *mqtt.Publisher

// quietPrefixes are path prefixes that get polled frequently and shouldn't
// spam logs
var quietPrefixes = []string{
	"/api/lounge/",
	"/healthz",
}

// ConditionalLogger is a middleware that skips logging for certain paths
func ConditionalLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "GET" {
			for _, prefix := range quietPrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}
		}
		middleware.Logger(next).ServeHTTP(w, r)
	})
}

func main() {
	// Load .env file if present (for local dev)
	_ = godotenv.Load()

	mqttPort, _ := strconv.Atoi(getEnv("MQTT_PORT", "1883"))

	cfg := Config{
		Port:            getEnv("PORT", "8080"),
		DataDir:         getEnv("DATA_DIR", "data"),
		RemoteName:      getEnv("REMOTE_NAME", "Songify"),
		MongoURI:        getEnv("MONGO_URI", ""),
		MongoDatabase:   getEnv("MONGO_DATABASE", "songify"),
		MQTTHost:        getEnv("MQTT_HOST", ""),
		MQTTPort:        mqttPort,
		MQTTUsername:    getEnv("MQTT_USERNAME", ""),
		MQTTPassword:    getEnv("MQTT_PASSWORD", ""),
		MQTTTopicPrefix: getEnv("MQTT_TOPIC_PREFIX", ""),
	}

	// Credential store: MongoDB when configured, JSON files otherwise
	var credStore store.Store
	if cfg.MongoURI != "" {
		mongoStore, err := store.NewMongoStore(cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			log.Fatalf("Failed to connect credential store: %v", err)
		}
		credStore = mongoStore
		log.Printf("Credential store: MongoDB (database %s)", cfg.MongoDatabase)
	} else {
		fileStore, err := store.NewFileStore(cfg.DataDir)
		if err != nil {
			log.Fatalf("Failed to create credential store: %v", err)
		}
		credStore = fileStore
		log.Printf("Credential store: %s", cfg.DataDir)
	}

	// Initialize WebSocket hub
	wsHub = websocket.NewHub()
	go wsHub.Run()
	log.Println("WebSocket hub started")

	// Initialize MQTT publisher
	if cfg.MQTTHost != "" {
		mqttPublisher = mqtt.NewPublisher(mqtt.Config{
			Host:        cfg.MQTTHost,
			Port:        cfg.MQTTPort,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			ClientID:    "songify-lounge",
			TopicPrefix: cfg.MQTTTopicPrefix,
		})
		go func() {
			if err := mqttPublisher.Connect(); err != nil {
				log.Printf("Warning: MQTT connection failed: %v", err)
			}
		}()
		log.Printf("MQTT publisher connecting to %s:%d", cfg.MQTTHost, cfg.MQTTPort)
	}

	// Initialize Lounge session manager
	loungeManager = lounge.NewManager(lounge.NewClient(cfg.RemoteName), credStore)
	loungeManager.SetStatusChangeHandler(func(room string, status lounge.Status, screenName, errMsg string) {
		wsHub.BroadcastLoungeStatus(room, string(status), screenName, errMsg)
		if mqttPublisher != nil {
			mqttPublisher.PublishStatus(room, string(status), screenName, errMsg)
		}
	})
	log.Printf("Lounge manager initialized (remote name: %s)", cfg.RemoteName)

	r := chi.NewRouter()
	r.Use(ConditionalLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handleHealthz)

	// Lounge control surface
	r.Route("/api/lounge/{room}", func(r chi.Router) {
		r.Post("/pair", handlePair)
		r.Post("/disconnect", handleDisconnect)
		r.Post("/reconnect", handleReconnect)
		r.Get("/status", handleStatus)
		r.Post("/queue", handleQueue)
		r.Post("/play", handlePlay)
	})

	// WebSocket
	r.Get("/ws", wsHub.ServeWS)

	log.Printf("Server starting on :%s", cfg.Port)
	log.Fatal(http.ListenAndServe(":"+cfg.Port, r))
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// statusResponse is the JSON shape returned by the lounge endpoints
type statusResponse struct {
	Room       string `json:"room"`
	Status     string `json:"status"`
	ScreenName string `json:"screenName,omitempty"`
	Error      string `json:"error,omitempty"`
}

func writeStatus(w http.ResponseWriter, room string) {
	status, screenName, errMsg := loungeManager.Status(room)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statusResponse{
		Room:       room,
		Status:     string(status),
		ScreenName: screenName,
		Error:      errMsg,
	})
}

type pairRequest struct {
	Code string `json:"code"`
}

func handlePair(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")

	var req pairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		http.Error(w, "Pairing code required", http.StatusBadRequest)
		return
	}

	if err := loungeManager.Pair(room, req.Code); err != nil {
		log.Printf("Error pairing %s: %v", room, err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeStatus(w, room)
}

func handleDisconnect(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")
	loungeManager.Disconnect(room)
	writeStatus(w, room)
}

func handleReconnect(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")
	if err := loungeManager.Reconnect(room); err != nil {
		log.Printf("Error reconnecting %s: %v", room, err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeStatus(w, room)
}

func handleStatus(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, chi.URLParam(r, "room"))
}

type videoRequest struct {
	VideoID string `json:"videoId"`
}

func handleQueue(w http.ResponseWriter, r *http.Request) {
	handleSend(w, r, loungeManager.SendAddVideo)
}

func handlePlay(w http.ResponseWriter, r *http.Request) {
	handleSend(w, r, loungeManager.SendPlayNow)
}

func handleSend(w http.ResponseWriter, r *http.Request, send func(room, videoID string) error) {
	room := chi.URLParam(r, "room")

	var req videoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.VideoID == "" {
		http.Error(w, "Video ID required", http.StatusBadRequest)
		return
	}

	// A room with no linked TV is a silent no-op, not an error
	if err := send(room, req.VideoID); err != nil {
		log.Printf("Error sending to %s: %v", room, err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeStatus(w, room)
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
