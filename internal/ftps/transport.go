package ftps

import (
	"fmt"
)

// Transport adapts the protocol client to the narrow per-operation surface
// the scheduler and dispatch queue consume. Each call dials a fresh
// session; printers drop connections too often for pooling to pay off.
type Transport struct {
	client *Client
}

func NewTransport(client *Client) *Transport {
	return &Transport{client: client}
}

func (t *Transport) Upload(host, accessCode, model, localPath, remoteName string, progress func(sent, total int64) error) error {
	session, err := t.client.Dial(host, accessCode, model)
	if err != nil {
		return err
	}
	defer session.Quit()

	return session.Upload(localPath, remoteName, progress)
}

func (t *Transport) Delete(host, accessCode, model, remoteName string) error {
	session, err := t.client.Dial(host, accessCode, model)
	if err != nil {
		return err
	}
	defer session.Quit()

	return session.Delete(remoteName)
}

func (t *Transport) StorageInfo(host, accessCode, model string) (StorageInfo, error) {
	session, err := t.client.Dial(host, accessCode, model)
	if err != nil {
		return StorageInfo{}, fmt.Errorf("failed to query storage: %w", err)
	}
	defer session.Quit()

	return session.StorageInfo(), nil
}
