package config

import (
	"time"

	"github.com/spf13/viper"
)

// VoucherConfig captures the issuance policy knobs.
type VoucherConfig struct {
	TTL                 time.Duration
	MaxPerIssuer        int
	QRImageSize         int
	DescriptionFallback string
}

// VelocityConfig captures the redemption throttle policy. The threshold and
// window are deployment configuration, not business constants.
type VelocityConfig struct {
	Window      time.Duration
	MaxAttempts int
}

func LoadVoucherConfig() *VoucherConfig {
	viper.SetDefault("voucher.ttl", 5*time.Minute)
	viper.SetDefault("voucher.max_per_issuer", 50)
	viper.SetDefault("voucher.qr_image_size", 256)
	viper.SetDefault("voucher.description_fallback", "Payment")

	return &VoucherConfig{
		TTL:                 viper.GetDuration("voucher.ttl"),
		MaxPerIssuer:        viper.GetInt("voucher.max_per_issuer"),
		QRImageSize:         viper.GetInt("voucher.qr_image_size"),
		DescriptionFallback: viper.GetString("voucher.description_fallback"),
	}
}

func LoadVelocityConfig() *VelocityConfig {
	viper.SetDefault("velocity.window", 30*time.Minute)
	viper.SetDefault("velocity.max_attempts", 10)

	return &VelocityConfig{
		Window:      viper.GetDuration("velocity.window"),
		MaxAttempts: viper.GetInt("velocity.max_attempts"),
	}
}
