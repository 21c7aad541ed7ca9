package batch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/G-Research/tms/internal/common/tmserrors"
	"github.com/G-Research/tms/internal/tms/configuration"
	"github.com/G-Research/tms/internal/tms/domain"
	"github.com/G-Research/tms/internal/tms/options"
)

// DeltacloudBackend starts one instance per job through the Deltacloud REST API.
type DeltacloudBackend struct {
	cloud  configuration.CloudConfiguration
	client *http.Client
}

func NewDeltacloudBackend(cloud configuration.CloudConfiguration, client *http.Client) *DeltacloudBackend {
	if client == nil {
		client = http.DefaultClient
	}
	return &DeltacloudBackend{cloud: cloud, client: client}
}

type deltacloudAddress struct {
	Address string `json:"address"`
}

type deltacloudInstance struct {
	Id              string              `json:"id"`
	State           string              `json:"state"`
	PublicAddresses []deltacloudAddress `json:"public_addresses"`
}

type deltacloudInstanceResponse struct {
	Instance deltacloudInstance `json:"instance"`
}

func (b *DeltacloudBackend) instancesUrl(parts ...string) string {
	u := strings.TrimRight(b.cloud.Endpoint, "/") + "/instances"
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

func (b *DeltacloudBackend) do(ctx context.Context, method string, target string, body io.Reader, contentType string) (*deltacloudInstanceResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	req.SetBasicAuth(b.cloud.User, b.cloud.Password)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, &tmserrors.ErrRuntime{Message: fmt.Sprintf("deltacloud %s %s: %v", method, target, err)}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &tmserrors.ErrRuntime{Message: fmt.Sprintf("deltacloud %s %s: %v", method, target, err)}
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, &tmserrors.ErrNotFound{Type: "instance", Value: target}
	}
	if resp.StatusCode >= 300 {
		return nil, &tmserrors.ErrRuntime{
			Message: fmt.Sprintf("deltacloud %s %s returned %s: %s", method, target, resp.Status, strings.TrimSpace(string(data))),
		}
	}
	if len(data) == 0 {
		return &deltacloudInstanceResponse{}, nil
	}
	result := &deltacloudInstanceResponse{}
	if err := json.Unmarshal(data, result); err != nil {
		return nil, &tmserrors.ErrRuntime{Message: fmt.Sprintf("decoding deltacloud response: %v", err)}
	}
	return result, nil
}

func (b *DeltacloudBackend) Submit(ctx context.Context, scriptPath string, opts options.SubmitOptions) ([]*domain.Job, error) {
	content, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, &tmserrors.ErrSystem{Op: "read", Path: scriptPath, Err: err}
	}
	form := url.Values{}
	form.Set("image_id", b.cloud.VmImage)
	if b.cloud.VmFlavor != "" {
		form.Set("hwp_id", b.cloud.VmFlavor)
	}
	if b.cloud.VmUserKey != "" {
		form.Set("keyname", b.cloud.VmUserKey)
	}
	if opts.Name != "" {
		form.Set("name", opts.Name)
	}
	form.Set("user_data", base64.StdEncoding.EncodeToString(content))

	resp, err := b.do(ctx, http.MethodPost, b.instancesUrl(), strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return nil, err
	}
	if resp.Instance.Id == "" {
		return nil, &tmserrors.ErrRuntime{Message: "deltacloud did not return an instance id"}
	}

	step := newStep(domain.Deltacloud, scriptPath, opts)
	step.VmId = resp.Instance.Id
	step.BatchJobId = resp.Instance.Id
	step.Owner = b.cloud.VmUser
	if len(resp.Instance.PublicAddresses) > 0 {
		step.VmIp = resp.Instance.PublicAddresses[0].Address
	}
	step.Status = deltacloudState(resp.Instance.State)
	return []*domain.Job{step}, nil
}

// Cancel stops the instance and then destroys it.
func (b *DeltacloudBackend) Cancel(ctx context.Context, id string) error {
	if _, err := b.do(ctx, http.MethodPost, b.instancesUrl(id, "stop"), nil, ""); err != nil {
		return err
	}
	_, err := b.do(ctx, http.MethodDelete, b.instancesUrl(id), nil, "")
	return err
}

func (b *DeltacloudBackend) Query(ctx context.Context, id string) (domain.Status, error) {
	resp, err := b.do(ctx, http.MethodGet, b.instancesUrl(id), nil, "")
	if tmserrors.CodeFromError(err) == tmserrors.CodeUnknownJob {
		return domain.StatusCompleted, nil
	}
	if err != nil {
		return domain.StatusUndefined, err
	}
	return deltacloudState(resp.Instance.State), nil
}

func deltacloudState(state string) domain.Status {
	switch strings.ToUpper(state) {
	case "PENDING", "START":
		return domain.StatusQueued
	case "RUNNING":
		return domain.StatusRunning
	case "STOPPED", "SHUTTING_DOWN", "STOPPING":
		return domain.StatusCompleted
	case "":
		return domain.StatusSubmitted
	default:
		return domain.StatusUndefined
	}
}
