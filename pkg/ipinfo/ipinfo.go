package ipinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/viper"
)

// Response holds the subset of the ipinfo.io payload we care about.
type Response struct {
	IP       string `json:"ip"`
	Hostname string `json:"hostname"`
	City     string `json:"city"`
	Region   string `json:"region"`
	Country  string `json:"country"`
	Org      string `json:"org"`
	Timezone string `json:"timezone"`
}

var client = &http.Client{Timeout: 10 * time.Second}

// Lookup queries ipinfo.io for the given IP address.
func Lookup(ctx context.Context, ip string) (Response, error) {
	url := fmt.Sprintf("https://ipinfo.io/%s?token=%s", ip, viper.GetString("ipinfo.token"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Response{}, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("ipinfo.io returned status %d", resp.StatusCode)
	}

	var info Response
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return Response{}, err
	}

	return info, nil
}
