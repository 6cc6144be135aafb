package clob

import "updown-trader/internal/config"

func configWithoutSecret() config.ExchangeConfig {
	return config.ExchangeConfig{APIKey: "key", RestBaseURL: "https://clob.example"}
}
