package wakeup

import (
	"encoding/json"
	"fmt"
	"os"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/petervdpas/syrja/internal/util"
)

// VAPIDKeys is the server's application key pair, base64url encoded.
type VAPIDKeys struct {
	Public  string `json:"public_key"`
	Private string `json:"private_key"`
}

// LoadOrCreateVAPIDKeys reads the key pair from keyFile, or generates and
// saves a new one. Rotating these keys invalidates every stored
// subscription, so an unreadable file is only replaced after a warning.
func LoadOrCreateVAPIDKeys(keyFile string) (VAPIDKeys, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		var k VAPIDKeys
		if err := json.Unmarshal(data, &k); err == nil && k.Public != "" && k.Private != "" {
			return k, nil
		}
		log.Warnw("corrupt VAPID key file, generating new keys", "path", keyFile)
	} else if !os.IsNotExist(err) {
		return VAPIDKeys{}, fmt.Errorf("read VAPID keys: %w", err)
	}

	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return VAPIDKeys{}, fmt.Errorf("generate VAPID keys: %w", err)
	}
	k := VAPIDKeys{Public: pub, Private: priv}

	if err := util.WriteJSONFile(keyFile, k); err != nil {
		return VAPIDKeys{}, fmt.Errorf("save VAPID keys: %w", err)
	}

	log.Infow("generated VAPID keys", "path", keyFile)
	return k, nil
}
