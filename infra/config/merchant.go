package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mstgnz/nativepay/provider"
	"github.com/mstgnz/nativepay/provider/wechatpay"
)

// MerchantConfig is the gateway account configuration read from the environment.
type MerchantConfig struct {
	MerchantID     string            `validate:"required"`
	SerialNo       string            `validate:"required"`
	APIv3Key       string            `validate:"required,len=32"`
	AppID          string            `validate:"required"`
	PrivateKeyPath string            `validate:"required"`
	PlatformKeys   map[string]string `validate:"required,min=1,dive,keys,required,endkeys,required"`
	NotifyURL      string            `validate:"required,url"`
	BaseURL        string            `validate:"omitempty,url"`
	Timeout        time.Duration     `validate:"gt=0"`
	NotifyMaxSkew  time.Duration     `validate:"gte=0"`
}

// LoadMerchantConfig reads WECHATPAY_* variables. Any problem is an
// ErrConfiguration; the service must not start without a merchant.
func LoadMerchantConfig() (*MerchantConfig, error) {
	platformKeys, err := ParsePlatformKeys(GetEnv("WECHATPAY_PLATFORM_KEYS", ""))
	if err != nil {
		return nil, err
	}

	cfg := &MerchantConfig{
		MerchantID:     GetEnv("WECHATPAY_MCH_ID", ""),
		SerialNo:       GetEnv("WECHATPAY_SERIAL_NO", ""),
		APIv3Key:       GetEnv("WECHATPAY_API_V3_KEY", ""),
		AppID:          GetEnv("WECHATPAY_APP_ID", ""),
		PrivateKeyPath: GetEnv("WECHATPAY_PRIVATE_KEY_PATH", ""),
		PlatformKeys:   platformKeys,
		NotifyURL:      GetEnv("WECHATPAY_NOTIFY_URL", ""),
		BaseURL:        GetEnv("WECHATPAY_BASE_URL", ""),
		Timeout:        GetDurationEnv("WECHATPAY_TIMEOUT", provider.DefaultTimeout),
		NotifyMaxSkew:  GetDurationEnv("WECHATPAY_NOTIFY_MAX_SKEW", 5*time.Minute),
	}

	if err := App().Validator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Namespace()+":"+fe.Tag())
			}
			return nil, fmt.Errorf("%w: merchant config: %s", provider.ErrConfiguration, strings.Join(fields, ", "))
		}
		return nil, fmt.Errorf("%w: merchant config: %w", provider.ErrConfiguration, err)
	}
	return cfg, nil
}

// Credentials converts the configuration for wechatpay.NewKeyStore.
func (m *MerchantConfig) Credentials() wechatpay.MerchantCredentials {
	keys := make(map[string]string, len(m.PlatformKeys))
	for id, path := range m.PlatformKeys {
		keys[id] = path
	}
	return wechatpay.MerchantCredentials{
		MerchantID:              m.MerchantID,
		CertificateSerialNumber: m.SerialNo,
		APISecret:               m.APIv3Key,
		AppID:                   m.AppID,
		PrivateKeyPath:          m.PrivateKeyPath,
		PlatformKeys:            keys,
		NotifyURL:               m.NotifyURL,
	}
}

// ParsePlatformKeys parses "serial=path,serial=path".
func ParsePlatformKeys(raw string) (map[string]string, error) {
	keys := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, path, ok := strings.Cut(pair, "=")
		id, path = strings.TrimSpace(id), strings.TrimSpace(path)
		if !ok || id == "" || path == "" {
			return nil, fmt.Errorf("%w: platform key entry %q, want serial=path", provider.ErrConfiguration, pair)
		}
		if _, dup := keys[id]; dup {
			return nil, fmt.Errorf("%w: platform key %s listed twice", provider.ErrConfiguration, id)
		}
		keys[id] = path
	}
	return keys, nil
}
