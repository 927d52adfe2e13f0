package resolver

import (
	"net/url"
	"path"
	"strings"

	"go-modelvault/internal/models"
)

// knownSources maps well-known model filenames (lowercase) to direct download URLs.
var knownSources = map[string]string{
	"v1-5-pruned-emaonly.safetensors":          "https://huggingface.co/stable-diffusion-v1-5/stable-diffusion-v1-5/resolve/main/v1-5-pruned-emaonly.safetensors",
	"sd_xl_base_1.0.safetensors":               "https://huggingface.co/stabilityai/stable-diffusion-xl-base-1.0/resolve/main/sd_xl_base_1.0.safetensors",
	"sd_xl_refiner_1.0.safetensors":            "https://huggingface.co/stabilityai/stable-diffusion-xl-refiner-1.0/resolve/main/sd_xl_refiner_1.0.safetensors",
	"sdxl_vae.safetensors":                     "https://huggingface.co/stabilityai/sdxl-vae/resolve/main/sdxl_vae.safetensors",
	"vae-ft-mse-840000-ema-pruned.safetensors": "https://huggingface.co/stabilityai/sd-vae-ft-mse-original/resolve/main/vae-ft-mse-840000-ema-pruned.safetensors",
	"flux1-dev.safetensors":                    "https://huggingface.co/black-forest-labs/FLUX.1-dev/resolve/main/flux1-dev.safetensors",
	"flux1-schnell.safetensors":                "https://huggingface.co/black-forest-labs/FLUX.1-schnell/resolve/main/flux1-schnell.safetensors",
	"ae.safetensors":                           "https://huggingface.co/black-forest-labs/FLUX.1-schnell/resolve/main/ae.safetensors",
	"clip_l.safetensors":                       "https://huggingface.co/comfyanonymous/flux_text_encoders/resolve/main/clip_l.safetensors",
	"t5xxl_fp16.safetensors":                   "https://huggingface.co/comfyanonymous/flux_text_encoders/resolve/main/t5xxl_fp16.safetensors",
	"t5xxl_fp8_e4m3fn.safetensors":             "https://huggingface.co/comfyanonymous/flux_text_encoders/resolve/main/t5xxl_fp8_e4m3fn.safetensors",
	"4x-ultrasharp.pth":                        "https://huggingface.co/lokCX/4x-Ultrasharp/resolve/main/4x-UltraSharp.pth",
	"control_v11p_sd15_canny.pth":              "https://huggingface.co/lllyasviel/ControlNet-v1-1/resolve/main/control_v11p_sd15_canny.pth",
	"control_v11f1p_sd15_depth.pth":            "https://huggingface.co/lllyasviel/ControlNet-v1-1/resolve/main/control_v11f1p_sd15_depth.pth",
}

const civitaiSearchURL = "https://civitai.com/search/models?query="

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// RemoteURLs lists places a missing model may be fetched or looked up from:
// the reference itself when it is a URL, a known direct source, then a Civitai search.
func RemoteURLs(ref string) []string {
	ref = strings.TrimSpace(ref)
	if isURL(ref) {
		return []string{ref}
	}
	var urls []string
	name := baseName(ref)
	if u, ok := knownSources[strings.ToLower(name)]; ok {
		urls = append(urls, u)
	}
	stem := strings.TrimSuffix(name, path.Ext(name))
	if stem != "" {
		urls = append(urls, civitaiSearchURL+url.QueryEscape(stem))
	}
	return urls
}

// DirectURL returns the first URL that serves the file itself rather than a search page.
func DirectURL(urls []string) (string, bool) {
	for _, u := range urls {
		if isURL(u) && !strings.HasPrefix(u, civitaiSearchURL) {
			return u, true
		}
	}
	return "", false
}

// SourceKind classifies a download URL.
func SourceKind(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return models.SourceDirect
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case strings.HasSuffix(host, "huggingface.co"):
		return models.SourceHuggingFace
	case strings.HasSuffix(host, "civitai.com"):
		return models.SourceCivitai
	}
	return models.SourceDirect
}
