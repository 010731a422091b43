package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"anonchat-client/internal/util"
)

type Config struct {
	Server  Server  `json:"server"`
	User    User    `json:"user"`
	Chat    Chat    `json:"chat"`
	Media   Media   `json:"media"`
	API     API     `json:"api"`
	Storage Storage `json:"storage"`
}

type Server struct {
	// Websocket endpoint of the matchmaking backend, ws:// or wss://.
	SignalingURL string `json:"signaling_url"`

	// Base HTTP URL of the backend, used for voice-message uploads and for
	// building playable upload URLs. Scheme http or https.
	BaseURL string `json:"base_url"`

	// Bearer token presented on HTTP requests to the backend. Obtaining and
	// refreshing the token is outside this client.
	AuthToken string `json:"auth_token"`
}

type User struct {
	// Stable user ID. Empty means a random ID is generated at startup and
	// written back, so friendships persist across runs.
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	Bio         string `json:"bio"`
}

type Chat struct {
	// Display locale for incoming messages. Editing this field in the config
	// file takes effect without restart.
	DisplayLocale string `json:"display_locale"`
}

type Media struct {
	DisableVideo bool `json:"disable_video"`
	DisableAudio bool `json:"disable_audio"`

	// Capture resolution cap. Devices offering more are scaled down.
	VideoWidth  int `json:"video_width"`
	VideoHeight int `json:"video_height"`
}

type API struct {
	// Listen address of the local control API, loopback by default.
	HTTPAddr string `json:"http_addr"`
	Debug    bool   `json:"debug"`
}

type Storage struct {
	// SQLite file holding the accepted-friends ledger. Relative to the
	// working directory unless absolute.
	FriendsDBPath string `json:"friends_db_path"`
}

func Default() Config {
	return Config{
		Server: Server{
			SignalingURL: "ws://localhost:5000/ws",
			BaseURL:      "http://localhost:5000",
		},
		User: User{
			DisplayName: "Stranger",
		},
		Chat: Chat{
			DisplayLocale: "en",
		},
		Media: Media{
			VideoWidth:  640,
			VideoHeight: 480,
		},
		API: API{
			HTTPAddr: "127.0.0.1:8642",
		},
		Storage: Storage{
			FriendsDBPath: "data/friends.db",
		},
	}
}

func (c *Config) Validate() error {
	// Server
	su := strings.TrimSpace(c.Server.SignalingURL)
	if su == "" {
		return errors.New("server.signaling_url is required")
	}
	if u, err := url.Parse(su); err != nil {
		return fmt.Errorf("server.signaling_url: %w", err)
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("server.signaling_url scheme must be ws or wss")
	}
	if bu := strings.TrimSpace(c.Server.BaseURL); bu != "" {
		if u, err := url.Parse(bu); err != nil {
			return fmt.Errorf("server.base_url: %w", err)
		} else if u.Scheme != "http" && u.Scheme != "https" {
			return errors.New("server.base_url scheme must be http or https")
		}
	}

	// Chat
	if strings.TrimSpace(c.Chat.DisplayLocale) == "" {
		return errors.New("chat.display_locale is required")
	}

	// Media
	if !c.Media.DisableVideo {
		if c.Media.VideoWidth <= 0 || c.Media.VideoHeight <= 0 {
			return errors.New("media.video_width and media.video_height must be > 0")
		}
	}

	// API
	if strings.TrimSpace(c.API.HTTPAddr) == "" {
		return errors.New("api.http_addr is required")
	}

	// Storage
	if strings.TrimSpace(c.Storage.FriendsDBPath) == "" {
		return errors.New("storage.friends_db_path is required")
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
