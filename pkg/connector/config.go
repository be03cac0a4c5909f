// wabot - A WhatsApp group moderation bot.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package connector

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lrhodin/wabot/pkg/media"
	"github.com/lrhodin/wabot/pkg/transport"
)

//go:embed example-config.yaml
var ExampleConfig string

type Config struct {
	Session      string                  `yaml:"session"`
	Database     DatabaseConfig          `yaml:"database"`
	Gateway      transport.GatewayConfig `yaml:"gateway"`
	AMQP         transport.AMQPConfig    `yaml:"amqp"`
	Logging      LoggingConfig           `yaml:"logging"`
	Metrics      MetricsConfig           `yaml:"metrics"`
	Commands     CommandsConfig          `yaml:"commands"`
	Deletion     DeletionConfig          `yaml:"deletion"`
	Disclosure   DisclosureConfig        `yaml:"disclosure"`
	Media        MediaConfig             `yaml:"media"`
	Housekeeping HousekeepingConfig      `yaml:"housekeeping"`
	Messages     Messages                `yaml:"messages"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

type CommandsConfig struct {
	Prefix string `yaml:"prefix"`
}

type DeletionConfig struct {
	Threshold int    `yaml:"threshold"`
	Agree     string `yaml:"agree"`
	Disagree  string `yaml:"disagree"`
	// RequestTTL closes pending requests after this long. Zero disables
	// expiry.
	RequestTTL time.Duration `yaml:"request_ttl"`
}

type DisclosureConfig struct {
	Approve  string        `yaml:"approve"`
	ClaimTTL time.Duration `yaml:"claim_ttl"`
}

type MediaConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	BackoffBase     time.Duration `yaml:"backoff_base"`
	BackoffCap      time.Duration `yaml:"backoff_cap"`
	CDNHost         string        `yaml:"cdn_host"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
}

func (c MediaConfig) FetcherOptions() media.Options {
	return media.Options{
		MaxAttempts: c.MaxAttempts,
		BackoffBase: c.BackoffBase,
		BackoffCap:  c.BackoffCap,
		CDNHost:     c.CDNHost,
	}
}

type HousekeepingConfig struct {
	Interval         time.Duration `yaml:"interval"`
	RevokeStagingTTL time.Duration `yaml:"revoke_staging_ttl"`
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

func (c *Config) PostProcess() error {
	var errs []error
	if c.Session == "" {
		errs = append(errs, errors.New("session must be set"))
	}
	if c.Commands.Prefix == "" {
		errs = append(errs, errors.New("commands.prefix must not be empty"))
	}
	if c.Deletion.Threshold < 1 {
		errs = append(errs, fmt.Errorf("deletion.threshold must be at least 1, got %d", c.Deletion.Threshold))
	}
	if c.Deletion.Agree == "" || c.Deletion.Disagree == "" || c.Deletion.Agree == c.Deletion.Disagree {
		errs = append(errs, errors.New("deletion.agree and deletion.disagree must be distinct non-empty symbols"))
	}
	if c.Disclosure.Approve == "" {
		errs = append(errs, errors.New("disclosure.approve must not be empty"))
	}
	if c.Media.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("media.max_attempts must be at least 1, got %d", c.Media.MaxAttempts))
	}
	if err := c.Messages.compile(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// LoadConfig reads the config file on top of the built-in defaults and
// applies WABOT_* environment overrides. An empty path uses only defaults
// and environment.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse built-in config: %w", err)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err = yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	overrides := map[string]*string{
		"WABOT_SESSION":       &c.Session,
		"WABOT_DATABASE_PATH": &c.Database.Path,
		"WABOT_GATEWAY_URL":   &c.Gateway.BaseURL,
		"WABOT_GATEWAY_TOKEN": &c.Gateway.Token,
		"WABOT_AMQP_URL":      &c.AMQP.URL,
		"WABOT_LOG_LEVEL":     &c.Logging.Level,
	}
	for env, target := range overrides {
		if val, ok := os.LookupEnv(env); ok {
			*target = val
		}
	}
}

// ConfigHolder gives the running bot a consistent snapshot of a config that
// may be replaced while it runs.
type ConfigHolder struct {
	ptr atomic.Pointer[Config]
}

func NewConfigHolder(cfg *Config) *ConfigHolder {
	h := &ConfigHolder{}
	h.ptr.Store(cfg)
	return h
}

func (h *ConfigHolder) Get() *Config {
	return h.ptr.Load()
}

func (h *ConfigHolder) Set(cfg *Config) {
	h.ptr.Store(cfg)
}

type Messages struct {
	GroupOnly                  string `yaml:"group_only"`
	NotAdmin                   string `yaml:"not_admin"`
	ReplyRequired              string `yaml:"reply_required"`
	ViewOnceReplyRequired      string `yaml:"view_once_reply_required"`
	NotViewOnce                string `yaml:"not_view_once"`
	UnsupportedMedia           string `yaml:"unsupported_media"`
	MessageNotFound            string `yaml:"message_not_found"`
	DeletionPrompt             string `yaml:"deletion_prompt"`
	DeletionApproved           string `yaml:"deletion_approved"`
	DeletionRejected           string `yaml:"deletion_rejected"`
	DeletionExpired            string `yaml:"deletion_expired"`
	DeletionTargetGone         string `yaml:"deletion_target_gone"`
	AlreadyDeleted             string `yaml:"already_deleted"`
	DeletionAlreadyRequested   string `yaml:"deletion_already_requested"`
	DisclosurePrompt           string `yaml:"disclosure_prompt"`
	AlreadyViewed              string `yaml:"already_viewed"`
	DisclosureAlreadyRequested string `yaml:"disclosure_already_requested"`
	DisclosureFailed           string `yaml:"disclosure_failed"`
	DisclosurePostFailed       string `yaml:"disclosure_post_failed"`
	NothingToRecall            string `yaml:"nothing_to_recall"`
	RecallHeader               string `yaml:"recall_header"`

	templates map[string]*template.Template
}

// NoticeParams are the values available to message templates. Requester
// and Sender are phone numbers without the server part.
type NoticeParams struct {
	Threshold int
	Agree     string
	Disagree  string
	Approve   string
	Requester string
	Sender    string
	Attempts  int
	Error     string
}

func (m *Messages) fields() map[string]*string {
	return map[string]*string{
		"group_only":                   &m.GroupOnly,
		"not_admin":                    &m.NotAdmin,
		"reply_required":               &m.ReplyRequired,
		"view_once_reply_required":     &m.ViewOnceReplyRequired,
		"not_view_once":                &m.NotViewOnce,
		"unsupported_media":            &m.UnsupportedMedia,
		"message_not_found":            &m.MessageNotFound,
		"deletion_prompt":              &m.DeletionPrompt,
		"deletion_approved":            &m.DeletionApproved,
		"deletion_rejected":            &m.DeletionRejected,
		"deletion_expired":             &m.DeletionExpired,
		"deletion_target_gone":         &m.DeletionTargetGone,
		"already_deleted":              &m.AlreadyDeleted,
		"deletion_already_requested":   &m.DeletionAlreadyRequested,
		"disclosure_prompt":            &m.DisclosurePrompt,
		"already_viewed":               &m.AlreadyViewed,
		"disclosure_already_requested": &m.DisclosureAlreadyRequested,
		"disclosure_failed":            &m.DisclosureFailed,
		"disclosure_post_failed":       &m.DisclosurePostFailed,
		"nothing_to_recall":            &m.NothingToRecall,
		"recall_header":                &m.RecallHeader,
	}
}

func (m *Messages) compile() error {
	compiled := make(map[string]*template.Template)
	for name, text := range m.fields() {
		tpl, err := template.New(name).Option("missingkey=error").Parse(*text)
		if err != nil {
			return fmt.Errorf("messages.%s: %w", name, err)
		}
		compiled[name] = tpl
	}
	m.templates = compiled
	return nil
}

// Format renders one of the message fields, e.g.
// cfg.Messages.Format(&cfg.Messages.DeletionRejected, params). Fields that
// fail to render are returned as written.
func (m *Messages) Format(field *string, params NoticeParams) string {
	for name, ptr := range m.fields() {
		if ptr != field {
			continue
		}
		tpl, ok := m.templates[name]
		if !ok {
			break
		}
		var buf strings.Builder
		if err := tpl.Execute(&buf, &params); err != nil {
			break
		}
		return buf.String()
	}
	return *field
}
