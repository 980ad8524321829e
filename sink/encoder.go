package sink

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/internal/processutil"
)

const encoderProbeTimeout = 5 * time.Second

// evenSizeFilter keeps dimensions even, which yuv420p encoders require.
const evenSizeFilter = "scale=trunc(iw/2)*2:trunc(ih/2)*2"

type videoEncoderPlan struct {
	label       string
	codec       string
	hardware    bool
	globalArgs  []string
	videoFilter string
	codecArgs   []string
}

type encoderCacheKey struct {
	ffmpegPath string
	settings   VideoSettings
}

var (
	encoderCacheMu sync.Mutex
	encoderCache   = map[encoderCacheKey]videoEncoderPlan{}
)

// planEncoder resolves settings.Encoder to a concrete plan. Probing results
// are cached per ffmpeg binary and settings.
func planEncoder(newCmd commandFunc, ffmpegPath string, v VideoSettings) videoEncoderPlan {
	switch strings.ToLower(v.Encoder) {
	case "software", "libx264":
		return softwareEncoderPlan(v)
	case "auto":
	default:
		return namedEncoderPlan(v)
	}

	key := encoderCacheKey{ffmpegPath: ffmpegPath, settings: v}
	encoderCacheMu.Lock()
	plan, ok := encoderCache[key]
	encoderCacheMu.Unlock()
	if ok {
		return plan
	}

	plan = selectVideoEncoder(newCmd, ffmpegPath, v)
	encoderCacheMu.Lock()
	encoderCache[key] = plan
	encoderCacheMu.Unlock()
	return plan
}

func selectVideoEncoder(newCmd commandFunc, ffmpegPath string, v VideoSettings) videoEncoderPlan {
	software := softwareEncoderPlan(v)

	candidates := hardwareEncoderCandidates(v)
	if len(candidates) == 0 {
		reportEncoderSelection(software, "no_hardware_candidates")
		return software
	}

	if _, err := exec.LookPath(ffmpegPath); err != nil {
		logging.Debugf("sink encoder_probe ffmpeg_lookup_failed path=%q err=%v", ffmpegPath, err)
		reportEncoderSelection(software, "ffmpeg_not_found")
		return software
	}

	available, encErr := ffmpegEncoderSet(newCmd, ffmpegPath)
	if encErr != nil {
		logging.Debugf("sink encoder_probe ffmpeg_encoders_failed err=%v", encErr)
	}

	for _, candidate := range candidates {
		if len(available) > 0 {
			if _, ok := available[candidate.codec]; !ok {
				logging.Debugf("sink encoder_probe skip encoder=%q reason=not_in_ffmpeg_encoder_list", candidate.label)
				continue
			}
		}
		if err := probeVideoEncoder(newCmd, ffmpegPath, candidate); err == nil {
			reportEncoderSelection(candidate, "")
			return candidate
		} else {
			logging.Debugf("sink encoder_probe failed encoder=%q err=%v", candidate.label, err)
		}
	}

	reportEncoderSelection(software, "all_hardware_probes_failed")
	return software
}

func ffmpegEncoderSet(newCmd commandFunc, ffmpegPath string) (map[string]struct{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), encoderProbeTimeout)
	defer cancel()

	cmd := newCmd(ctx, ffmpegPath, "-hide_banner", "-encoders")
	processutil.Detach(cmd)
	out, err := cmd.Output()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("ffmpeg -encoders timeout after %s", encoderProbeTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("ffmpeg -encoders failed: %w", err)
	}
	return parseEncoderList(string(out)), nil
}

// parseEncoderList reads `ffmpeg -encoders` output, where each line is
// " V..... h264_nvenc  description".
func parseEncoderList(out string) map[string]struct{} {
	encoders := make(map[string]struct{})
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 2 {
			continue
		}
		if strings.HasPrefix(fields[0], "V") && fields[0] != "V" && !strings.Contains(fields[1], "=") {
			encoders[fields[1]] = struct{}{}
		}
	}
	return encoders
}

func reportEncoderSelection(plan videoEncoderPlan, reason string) {
	mode := "software"
	if plan.hardware {
		mode = "hardware"
	}
	if reason == "" {
		logging.Infof("sink encoder selected=%q mode=%s", plan.label, mode)
		return
	}
	logging.Infof("sink encoder selected=%q mode=%s reason=%s", plan.label, mode, reason)
}

func probeVideoEncoder(newCmd commandFunc, ffmpegPath string, plan videoEncoderPlan) error {
	ctx, cancel := context.WithTimeout(context.Background(), encoderProbeTimeout)
	defer cancel()

	args := []string{
		"-v", "error",
		"-nostdin",
	}
	args = append(args, plan.globalArgs...)
	args = append(args,
		"-f", "lavfi",
		"-i", "color=c=black:s=1280x720:r=30:d=0.5",
		"-an",
		"-frames:v", "8",
	)
	if strings.TrimSpace(plan.videoFilter) != "" {
		args = append(args, "-vf", plan.videoFilter)
	}
	args = append(args, plan.codecArgs...)
	args = append(args, "-f", "null", "-")

	cmd := newCmd(ctx, ffmpegPath, args...)
	processutil.Detach(cmd)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return fmt.Errorf("probe timeout after %s", encoderProbeTimeout)
	}
	if err != nil {
		return fmt.Errorf("probe failed: %w: %s", err, tailString(strings.TrimSpace(stderr.String()), 240))
	}
	return nil
}

func hardwareEncoderCandidates(v VideoSettings) []videoEncoderPlan {
	switch runtime.GOOS {
	case "darwin":
		return []videoEncoderPlan{
			hardwareEncoderPlan("h264_videotoolbox", "h264_videotoolbox", nil, evenSizeFilter+",format=yuv420p", v),
		}
	case "windows":
		return []videoEncoderPlan{
			hardwareEncoderPlan("h264_nvenc", "h264_nvenc", nil, evenSizeFilter+",format=yuv420p", v),
			hardwareEncoderPlan("h264_amf", "h264_amf", nil, evenSizeFilter+",format=yuv420p", v),
			hardwareEncoderPlan("h264_qsv", "h264_qsv", nil, evenSizeFilter+",format=nv12", v),
		}
	default:
		candidates := []videoEncoderPlan{
			hardwareEncoderPlan("h264_nvenc", "h264_nvenc", nil, evenSizeFilter+",format=yuv420p", v),
		}

		devices, err := filepath.Glob("/dev/dri/renderD*")
		if err == nil {
			for _, dev := range devices {
				label := fmt.Sprintf("h264_vaapi (%s)", dev)
				candidates = append(candidates, hardwareEncoderPlan("h264_vaapi", label, []string{"-vaapi_device", dev}, evenSizeFilter+",format=nv12,hwupload", v))
			}
		}

		candidates = append(candidates, hardwareEncoderPlan("h264_qsv", "h264_qsv", nil, evenSizeFilter+",format=nv12", v))
		return candidates
	}
}

func rateArgs(v VideoSettings) []string {
	return []string{
		"-b:v", strconv.Itoa(v.BitrateKbps) + "k",
		"-maxrate", strconv.Itoa(v.BitrateKbps*5/4) + "k",
		"-bufsize", strconv.Itoa(v.BitrateKbps*2) + "k",
		"-g", strconv.Itoa(v.KeyframeInterval),
	}
}

func hardwareEncoderPlan(codec, label string, globalArgs []string, filter string, v VideoSettings) videoEncoderPlan {
	return videoEncoderPlan{
		label:       label,
		codec:       codec,
		hardware:    true,
		globalArgs:  append([]string(nil), globalArgs...),
		videoFilter: filter,
		codecArgs:   append([]string{"-c:v", codec}, rateArgs(v)...),
	}
}

func namedEncoderPlan(v VideoSettings) videoEncoderPlan {
	return videoEncoderPlan{
		label:       v.Encoder,
		codec:       v.Encoder,
		hardware:    true,
		videoFilter: evenSizeFilter + ",format=yuv420p",
		codecArgs:   append([]string{"-c:v", v.Encoder}, rateArgs(v)...),
	}
}

func softwareEncoderPlan(v VideoSettings) videoEncoderPlan {
	args := []string{
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-profile:v", "high",
		"-pix_fmt", "yuv420p",
	}
	args = append(args, rateArgs(v)...)
	args = append(args, "-keyint_min", strconv.Itoa(v.KeyframeInterval))
	return videoEncoderPlan{
		label:       "libx264",
		codec:       "libx264",
		hardware:    false,
		videoFilter: evenSizeFilter,
		codecArgs:   args,
	}
}
