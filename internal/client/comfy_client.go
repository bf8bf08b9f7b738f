package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/genselfie/api/internal/config"
)

// Synthesis states reported by Poll.
type SynthesisState string

const (
	SynthesisPending   SynthesisState = "pending"
	SynthesisSucceeded SynthesisState = "succeeded"
	SynthesisFailed    SynthesisState = "failed"
)

// JobSpec describes one generation: two images, dimensions and a prompt.
type JobSpec struct {
	JobID              string `json:"jobId"`
	SourceImageRef     string `json:"sourceImageRef"`
	InfluencerImageRef string `json:"influencerImageRef"`
	Prompt             string `json:"prompt,omitempty"`
	Width              int    `json:"width"`
	Height             int    `json:"height"`
}

// PollResult is the backend's view of a submitted job.
type PollResult struct {
	State     SynthesisState `json:"state"`
	ResultRef string         `json:"resultRef,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

// ImageSynthesizer defines the interface for the external synthesis backend.
type ImageSynthesizer interface {
	Submit(ctx context.Context, spec *JobSpec) (string, error)
	Poll(ctx context.Context, backendRef string) (*PollResult, error)
	IsConfigured() bool
}

// ComfyClient implements ImageSynthesizer against a ComfyUI instance:
// upload inputs, queue a workflow prompt, poll queue/history for the
// output image.
type ComfyClient struct {
	httpClient   *http.Client
	baseURL      string
	workflowPath string
}

// NewComfyClient creates a new ComfyUI API client
func NewComfyClient(cfg *config.ComfyConfig) *ComfyClient {
	return &ComfyClient{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		baseURL:      strings.TrimRight(cfg.URL, "/"),
		workflowPath: cfg.WorkflowPath,
	}
}

// IsConfigured returns true if the client has valid configuration
func (c *ComfyClient) IsConfigured() bool {
	return c.baseURL != ""
}

// Submit uploads the job's images, injects them into the workflow and
// queues the prompt. The returned prompt id is the backend reference the
// orchestrator polls with.
func (c *ComfyClient) Submit(ctx context.Context, spec *JobSpec) (string, error) {
	sourceName := spec.SourceImageRef
	if isURL(spec.SourceImageRef) {
		sourceName = fmt.Sprintf("fan_%s.png", spec.JobID)
		if err := c.uploadImageRef(ctx, spec.SourceImageRef, sourceName); err != nil {
			return "", fmt.Errorf("source image upload: %w", err)
		}
	}

	influencerName := spec.InfluencerImageRef
	if isURL(spec.InfluencerImageRef) {
		influencerName = fmt.Sprintf("influencer_%s.png", spec.JobID)
		if err := c.uploadImageRef(ctx, spec.InfluencerImageRef, influencerName); err != nil {
			return "", fmt.Errorf("influencer image upload: %w", err)
		}
	}

	workflow, err := c.loadWorkflow()
	if err != nil {
		return "", err
	}
	injectImages(workflow, sourceName, influencerName)
	injectDimensions(workflow, spec.Width, spec.Height)
	injectPrompt(workflow, spec.Prompt)
	randomizeSeeds(workflow)

	body, err := json.Marshal(map[string]interface{}{"prompt": workflow})
	if err != nil {
		return "", fmt.Errorf("failed to marshal workflow: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	log.Printf("[ComfyUI] → POST /prompt (job=%s)", spec.JobID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to queue prompt: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("comfyui error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if result.PromptID == "" {
		return "", fmt.Errorf("comfyui returned no prompt id")
	}
	return result.PromptID, nil
}

// Poll reports the state of a queued prompt. A prompt still in the queue
// is pending; once gone, the history entry decides success or failure.
func (c *ComfyClient) Poll(ctx context.Context, backendRef string) (*PollResult, error) {
	inQueue, err := c.promptInQueue(ctx, backendRef)
	if err != nil {
		return nil, err
	}
	if inQueue {
		return &PollResult{State: SynthesisPending}, nil
	}

	history, err := c.getHistory(ctx, backendRef)
	if err != nil {
		return nil, err
	}
	entry, ok := history[backendRef]
	if !ok {
		// Left the queue but the history entry is not visible yet.
		return &PollResult{State: SynthesisPending}, nil
	}

	if url := c.outputImageURL(entry); url != "" {
		return &PollResult{State: SynthesisSucceeded, ResultRef: url}, nil
	}
	return &PollResult{State: SynthesisFailed, Reason: "no output image"}, nil
}

type historyEntry struct {
	Outputs map[string]struct {
		Images []struct {
			Filename  string `json:"filename"`
			Subfolder string `json:"subfolder"`
		} `json:"images"`
	} `json:"outputs"`
}

func (c *ComfyClient) outputImageURL(entry historyEntry) string {
	for _, output := range entry.Outputs {
		for _, img := range output.Images {
			if img.Filename == "" {
				continue
			}
			if img.Subfolder != "" {
				return fmt.Sprintf("%s/output/%s/%s", c.baseURL, img.Subfolder, img.Filename)
			}
			return fmt.Sprintf("%s/output/%s", c.baseURL, img.Filename)
		}
	}
	return ""
}

func (c *ComfyClient) promptInQueue(ctx context.Context, promptID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/queue", nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to query queue: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("comfyui queue error (status %d)", resp.StatusCode)
	}

	var queue struct {
		Pending [][]interface{} `json:"queue_pending"`
		Running [][]interface{} `json:"queue_running"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&queue); err != nil {
		return false, fmt.Errorf("failed to decode queue: %w", err)
	}

	for _, item := range append(queue.Pending, queue.Running...) {
		if len(item) > 1 {
			if id, ok := item[1].(string); ok && id == promptID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (c *ComfyClient) getHistory(ctx context.Context, promptID string) (map[string]historyEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+promptID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("comfyui history error (status %d)", resp.StatusCode)
	}

	history := make(map[string]historyEntry)
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return history, nil
}

// uploadImageRef pushes an image into ComfyUI's input folder. URL refs are
// downloaded first; bare filenames are assumed to already be inputs.
func (c *ComfyClient) uploadImageRef(ctx context.Context, ref, filename string) error {
	if !isURL(ref) {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("image download failed (status %d)", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}
	return c.uploadImage(ctx, data, filename)
}

func (c *ComfyClient) uploadImage(ctx context.Context, data []byte, filename string) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("failed to build upload: %w", err)
	}
	if err := writer.WriteField("type", "input"); err != nil {
		return fmt.Errorf("failed to build upload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/image", &buf)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("image upload failed (status %d)", resp.StatusCode)
	}
	return nil
}

func (c *ComfyClient) loadWorkflow() (map[string]interface{}, error) {
	if c.workflowPath != "" {
		data, err := os.ReadFile(c.workflowPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read workflow: %w", err)
		}
		var workflow map[string]interface{}
		if err := json.Unmarshal(data, &workflow); err != nil {
			return nil, fmt.Errorf("failed to parse workflow: %w", err)
		}
		return workflow, nil
	}
	return defaultWorkflow(), nil
}

func isURL(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// injectImages wires the image filenames into LoadImage nodes. The node
// meant for each image is identified by its _meta title, the same
// convention the admin-uploaded workflows follow.
func injectImages(workflow map[string]interface{}, sourceImage, influencerImage string) {
	for _, node := range workflowNodes(workflow) {
		if node.classType != "LoadImage" {
			continue
		}
		title := strings.ToLower(node.title)
		switch {
		case strings.Contains(title, "fan") || strings.Contains(title, "input") || strings.Contains(title, "source"):
			node.inputs["image"] = sourceImage
		case strings.Contains(title, "influencer") || strings.Contains(title, "reference"):
			if influencerImage != "" {
				node.inputs["image"] = influencerImage
			}
		}
	}
}

func injectDimensions(workflow map[string]interface{}, width, height int) {
	if width <= 0 || height <= 0 {
		return
	}
	for _, node := range workflowNodes(workflow) {
		if _, ok := node.inputs["width"]; ok {
			node.inputs["width"] = width
		}
		if _, ok := node.inputs["height"]; ok {
			node.inputs["height"] = height
		}
	}
}

func injectPrompt(workflow map[string]interface{}, prompt string) {
	if prompt == "" {
		return
	}
	for _, node := range workflowNodes(workflow) {
		if node.classType != "CLIPTextEncode" {
			continue
		}
		if strings.Contains(strings.ToLower(node.title), "negative") {
			continue
		}
		node.inputs["text"] = prompt
	}
}

func randomizeSeeds(workflow map[string]interface{}) {
	for _, node := range workflowNodes(workflow) {
		if !strings.Contains(node.classType, "Sampler") {
			continue
		}
		if _, ok := node.inputs["seed"]; ok {
			node.inputs["seed"] = rand.Int63n(1 << 32)
		}
		if _, ok := node.inputs["noise_seed"]; ok {
			node.inputs["noise_seed"] = rand.Int63n(1 << 32)
		}
	}
}

type workflowNode struct {
	classType string
	title     string
	inputs    map[string]interface{}
}

func workflowNodes(workflow map[string]interface{}) []workflowNode {
	var out []workflowNode
	for _, raw := range workflow {
		node, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		inputs, ok := node["inputs"].(map[string]interface{})
		if !ok {
			continue
		}
		classType, _ := node["class_type"].(string)
		title := ""
		if meta, ok := node["_meta"].(map[string]interface{}); ok {
			title, _ = meta["title"].(string)
		}
		out = append(out, workflowNode{classType: classType, title: title, inputs: inputs})
	}
	return out
}

// defaultWorkflow is a minimal two-image compositing workflow used when no
// custom workflow file is configured.
func defaultWorkflow() map[string]interface{} {
	return map[string]interface{}{
		"1": map[string]interface{}{
			"class_type": "LoadImage",
			"_meta":      map[string]interface{}{"title": "fan image"},
			"inputs":     map[string]interface{}{"image": ""},
		},
		"2": map[string]interface{}{
			"class_type": "LoadImage",
			"_meta":      map[string]interface{}{"title": "influencer image"},
			"inputs":     map[string]interface{}{"image": ""},
		},
		"3": map[string]interface{}{
			"class_type": "CLIPTextEncode",
			"_meta":      map[string]interface{}{"title": "positive prompt"},
			"inputs":     map[string]interface{}{"text": "a selfie of two people together"},
		},
		"4": map[string]interface{}{
			"class_type": "EmptyLatentImage",
			"inputs":     map[string]interface{}{"width": 1024, "height": 1024, "batch_size": 1},
		},
		"5": map[string]interface{}{
			"class_type": "KSampler",
			"inputs":     map[string]interface{}{"seed": 0, "steps": 20, "cfg": 7},
		},
		"6": map[string]interface{}{
			"class_type": "SaveImage",
			"inputs":     map[string]interface{}{"filename_prefix": "genselfie"},
		},
	}
}
