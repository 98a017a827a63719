package options

import (
	"errors"
	"net/url"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*NotifyOptions)(nil)

// NotifyOptions configure the overcrowding webhook.
type NotifyOptions struct {
	// URL receives {"busId", "faceCount"} on overcrowding. Empty disables the webhook.
	URL     string        `json:"url" mapstructure:"url"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

func NewNotifyOptions() *NotifyOptions {
	return &NotifyOptions{
		URL:     "http://localhost:5000/api/overcrowding-alert",
		Timeout: 10 * time.Second,
	}
}

func (o *NotifyOptions) Validate() []error {
	if o.URL == "" {
		return nil
	}
	var errs []error
	if u, err := url.Parse(o.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, errors.New("notify.url must be an absolute URL"))
	}
	if o.Timeout <= 0 {
		errs = append(errs, errors.New("notify.timeout must be positive"))
	}
	return errs
}

func (o *NotifyOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.URL, "notify.url", o.URL, "Overcrowding webhook URL (empty disables it).")
	fs.DurationVar(&o.Timeout, "notify.timeout", o.Timeout, "Timeout of a webhook delivery.")
}
