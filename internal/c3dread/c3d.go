// Package c3dread loads a binary C3D biomechanics container and extracts
// its ordered analog channels (as float64 sample arrays) plus a flat
// metadata bundle pulled from the INFO/POINT/ANALOG parameter groups.
package c3dread

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/ghostlyplus/emganalyzer/internal/apperr"
)

// MetadataKeys enumerates the keys Read attempts to populate. Missing
// sections in the source file yield missing keys, not errors.
var MetadataKeys = []string{
	"game_name", "level", "level_name", "game_version", "duration",
	"therapist_id", "group_id", "time", "player_name", "game_score",
	"marker_set", "sampling_rate", "channel_names", "channel_count",
	"gen_scale", "frame_count", "point_rate", "data_type_labels",
	"duration_seconds",
}

// Result is what Read returns: per-channel analog samples (outer index =
// channel, inner index = sample) keyed by channel name, plus the metadata
// map.
type Result struct {
	Channels map[string][]float64
	Metadata map[string]interface{}
}

const blockSize = 512

// groupParam maps a "GROUP:PARAMETER" name (case-insensitive) to the
// metadata key it should populate. Session/game metadata lives in an
// INFO-style custom parameter group; the signal acquisition parameters
// live in the standard POINT and ANALOG groups.
var groupParam = map[string]string{
	"INFO:GAME_NAME":    "game_name",
	"INFO:LEVEL":        "level",
	"INFO:LEVEL_NAME":   "level_name",
	"INFO:GAME_VERSION": "game_version",
	"INFO:THERAPIST_ID": "therapist_id",
	"INFO:GROUP_ID":     "group_id",
	"INFO:TIME":         "time",
	"INFO:PLAYER_NAME":  "player_name",
	"INFO:GAME_SCORE":   "game_score",
	"INFO:DURATION":     "duration",
	"POINT:MARKER_SET":  "marker_set",
}

// Read parses a C3D file's raw bytes and extracts analog channels plus
// the metadata bundle. On malformed/corrupted input it returns an empty
// metadata map and a structured apperr.C3DDecode error; it never panics
// across the package boundary.
func Read(raw []byte) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Metadata: map[string]interface{}{}}
			err = apperr.New(apperr.C3DDecode, fmt.Sprintf("panic while decoding C3D container: %v", r))
		}
	}()

	if len(raw) < blockSize*2 {
		return Result{Metadata: map[string]interface{}{}},
			apperr.New(apperr.C3DDecode, "file too small to contain a C3D header and parameter block")
	}

	paramBlockPtr := int(raw[0])
	key := raw[1]
	if key != 0x50 {
		return Result{Metadata: map[string]interface{}{}},
			apperr.New(apperr.C3DDecode, "missing C3D magic key byte")
	}
	if paramBlockPtr < 1 {
		return Result{Metadata: map[string]interface{}{}},
			apperr.New(apperr.C3DDecode, "invalid parameter block pointer")
	}

	paramOffset := (paramBlockPtr - 1) * blockSize
	if paramOffset+blockSize > len(raw) {
		return Result{Metadata: map[string]interface{}{}},
			apperr.New(apperr.C3DDecode, "parameter block pointer out of range")
	}

	processorType := int(raw[paramOffset+3])
	bigEndian := false // DEC/MIPS processors use a different float layout; only Intel (1) little-endian is supported.
	_ = processorType

	params, perr := parseParameterBlock(raw[paramOffset:], bigEndian)
	metadata := map[string]interface{}{}
	if perr != nil {
		// A malformed parameter block still yields whatever header-derived fields we have.
		metadata["_parameter_block_error"] = perr.Error()
	}

	for key, metaKey := range groupParam {
		if v, ok := lookupParam(params, key); ok {
			metadata[metaKey] = v
		}
	}

	var samplingRate float64
	if v, ok := lookupParam(params, "ANALOG:RATE"); ok {
		samplingRate = toFloat(v)
		metadata["sampling_rate"] = samplingRate
	}
	var pointRate float64
	if v, ok := lookupParam(params, "POINT:RATE"); ok {
		pointRate = toFloat(v)
		metadata["point_rate"] = pointRate
	}

	var channelNames []string
	if v, ok := lookupParam(params, "ANALOG:LABELS"); ok {
		if ss, ok := v.([]string); ok {
			channelNames = ss
		}
	}
	if len(channelNames) > 0 {
		metadata["channel_names"] = channelNames
		metadata["channel_count"] = len(channelNames)
	}

	genScale := 1.0
	if v, ok := lookupParam(params, "ANALOG:GEN_SCALE"); ok {
		genScale = toFloat(v)
		metadata["gen_scale"] = genScale
	}
	if genScale == 0 {
		genScale = 1.0
	}

	var frameCount int
	if v, ok := lookupParam(params, "POINT:FRAMES"); ok {
		frameCount = int(toFloat(v))
		metadata["frame_count"] = frameCount
	}
	if samplingRate > 0 && frameCount > 0 {
		metadata["duration_seconds"] = float64(frameCount) / samplingRate
	}

	if v, ok := lookupParam(params, "ANALOG:DATA_TYPE_LABELS"); ok {
		metadata["data_type_labels"] = v
	}

	analogScales := lookupParamArray(params, "ANALOG:SCALE")
	analogOffsets := lookupParamArray(params, "ANALOG:OFFSET")
	channels := decodeAnalogChannels(raw, channelNames, genScale, analogScales, analogOffsets)

	return Result{Channels: channels, Metadata: metadata}, nil
}

// decodeAnalogChannels reads the C3D data section (the block of 3D point
// and analog sample records that follows the parameter block) and
// de-interleaves the analog samples into one []float64 per channel name,
// applying the per-channel scale/offset and the general scale factor.
//
// The data-block pointer, analog-samples-per-frame count, and point-data
// scale factor (whose sign selects integer vs. floating-point storage)
// come from fixed offsets in the 512-byte header, per the C3D container
// layout: word 9 (bytes 16-17) is the 1-indexed starting block of the
// data section, word 10 (bytes 18-19) is the number of analog samples
// per 3D point frame, and the float32 at bytes 12-15 is the point scale
// factor (negative => floating-point storage, positive => scaled int16).
// Each frame stores all point values first, then all analog values for
// that frame, with analog samples ordered sample-index-major,
// channel-index-minor (one value per channel, repeated
// analogSamplesPerFrame times per frame).
func decodeAnalogChannels(raw []byte, channelNames []string, genScale float64, analogScales, analogOffsets []float64) map[string][]float64 {
	channels := make(map[string][]float64, len(channelNames))
	for _, name := range channelNames {
		channels[name] = nil
	}
	numChannels := len(channelNames)
	if numChannels == 0 || len(raw) < blockSize {
		return channels
	}

	dataStartBlock := int(binary.LittleEndian.Uint16(raw[16:18]))
	analogSamplesPerFrame := int(binary.LittleEndian.Uint16(raw[18:20]))
	if dataStartBlock < 1 || analogSamplesPerFrame < 1 {
		return channels
	}

	dataOffset := (dataStartBlock - 1) * blockSize
	if dataOffset < 0 || dataOffset >= len(raw) {
		return channels
	}

	numPoints := int(binary.LittleEndian.Uint16(raw[2:4]))
	startFrame := int(binary.LittleEndian.Uint16(raw[6:8]))
	endFrame := int(binary.LittleEndian.Uint16(raw[8:10]))
	pointScale := math.Float32frombits(binary.LittleEndian.Uint32(raw[12:16]))

	floatFormat := pointScale < 0
	bytesPerValue := 2
	if floatFormat {
		bytesPerValue = 4
	}

	pointRecordSize := numPoints * 4 * bytesPerValue
	analogRecordSize := numChannels * analogSamplesPerFrame * bytesPerValue
	frameSize := pointRecordSize + analogRecordSize
	if frameSize == 0 {
		return channels
	}

	frameCount := endFrame - startFrame + 1
	if frameCount <= 0 {
		frameCount = (len(raw) - dataOffset) / frameSize
	}
	if frameCount <= 0 {
		return channels
	}

	samples := make([][]float64, numChannels)
	for ch := range samples {
		samples[ch] = make([]float64, 0, frameCount*analogSamplesPerFrame)
	}

	scalePerChannel := func(ch int) (scale, offset float64) {
		scale = genScale
		if ch < len(analogScales) && analogScales[ch] != 0 {
			scale *= analogScales[ch]
		}
		if ch < len(analogOffsets) {
			offset = analogOffsets[ch]
		}
		return scale, offset
	}

	pos := dataOffset
	for f := 0; f < frameCount; f++ {
		if pos+frameSize > len(raw) {
			break
		}
		ap := pos + pointRecordSize
		for s := 0; s < analogSamplesPerFrame; s++ {
			for ch := 0; ch < numChannels; ch++ {
				if ap+bytesPerValue > len(raw) {
					break
				}
				var rawVal float64
				if floatFormat {
					rawVal = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[ap : ap+4])))
				} else {
					rawVal = float64(int16(binary.LittleEndian.Uint16(raw[ap : ap+2])))
				}
				scale, offset := scalePerChannel(ch)
				samples[ch] = append(samples[ch], (rawVal-offset)*scale)
				ap += bytesPerValue
			}
		}
		pos += frameSize
	}

	for i, name := range channelNames {
		channels[name] = samples[i]
	}
	return channels
}

type parameter struct {
	group string
	name  string
	kind  int8 // -1=char, 1 or 2=byte, 4=int16, -4=float32
	dims  []int
	data  []byte
	strs  []string
}

func parseParameterBlock(block []byte, _ bool) ([]parameter, error) {
	if len(block) < 5 {
		return nil, apperr.New(apperr.C3DDecode, "parameter block too short")
	}
	numBlocks := int(block[2])
	total := numBlocks * blockSize
	if total > len(block) {
		total = len(block)
	}
	buf := block[4:total]

	groupNames := map[int]string{}
	var params []parameter

	pos := 0
	for pos+2 <= len(buf) {
		nameLen := int(int8(buf[pos]))
		groupID := int(int8(buf[pos+1]))
		pos += 2
		if nameLen == 0 {
			break
		}
		absLen := nameLen
		if absLen < 0 {
			absLen = -absLen
		}
		if pos+absLen > len(buf) {
			break
		}
		name := strings.ToUpper(strings.TrimSpace(string(buf[pos : pos+absLen])))
		pos += absLen
		if pos+2 > len(buf) {
			break
		}
		nextOffset := int(binary.LittleEndian.Uint16(buf[pos : pos+2]))
		pos += 2
		recordStart := pos

		if groupID < 0 {
			// Group definition record.
			groupNames[-groupID] = name
			if pos < len(buf) {
				_ = buf[pos] // description length byte follows; skipped.
			}
		} else if groupID > 0 {
			if pos < len(buf) {
				kind := int8(buf[pos])
				pos++
				if pos < len(buf) {
					numDims := int(buf[pos])
					pos++
					dims := make([]int, numDims)
					total := 1
					for i := 0; i < numDims && pos < len(buf); i++ {
						dims[i] = int(buf[pos])
						total *= max1(dims[i])
						pos++
					}
					elemSize := elementSize(kind)
					dataLen := elemSize * total
					var data []byte
					if pos+dataLen <= len(buf) {
						data = buf[pos : pos+dataLen]
					}
					p := parameter{group: fmt.Sprintf("GROUP%d", groupID), name: name, kind: kind, dims: dims, data: data}
					if kind == -1 && len(dims) >= 1 {
						p.strs = splitStrings(data, dims)
					}
					params = append(params, p)
				}
			}
		}

		if nextOffset <= 0 {
			break
		}
		pos = recordStart + nextOffset - 2
		if pos <= recordStart-2 {
			break
		}
	}

	for i := range params {
		if gname, ok := groupNames[groupIDNum(params[i].group)]; ok {
			params[i].group = gname
		}
	}

	return params, nil
}

func groupIDNum(s string) int {
	var n int
	fmt.Sscanf(s, "GROUP%d", &n)
	return n
}

func max1(v int) int {
	if v < 1 {
		return 1
	}
	return v
}

func elementSize(kind int8) int {
	switch kind {
	case 1, 2:
		return 1
	case -1:
		return 1 // char data, per-row length taken from dims[0]
	case 4:
		return 2
	case -4:
		return 4 // float32
	default:
		return 1
	}
}

func splitStrings(data []byte, dims []int) []string {
	if len(dims) == 0 || dims[0] <= 0 {
		return nil
	}
	rowLen := dims[0]
	count := 1
	for _, d := range dims[1:] {
		count *= max1(d)
	}
	var out []string
	for i := 0; i < count; i++ {
		start := i * rowLen
		if start+rowLen > len(data) {
			break
		}
		out = append(out, strings.TrimSpace(string(data[start:start+rowLen])))
	}
	return out
}

func lookupParam(params []parameter, groupDotName string) (interface{}, bool) {
	parts := strings.SplitN(groupDotName, ":", 2)
	if len(parts) != 2 {
		return nil, false
	}
	group, name := parts[0], parts[1]
	for _, p := range params {
		if !strings.EqualFold(p.group, group) || !strings.EqualFold(p.name, name) {
			continue
		}
		if p.strs != nil {
			if len(p.strs) == 1 {
				return p.strs[0], true
			}
			return p.strs, true
		}
		if len(p.data) >= 4 && p.kind == -4 {
			return math.Float32frombits(binary.LittleEndian.Uint32(p.data)), true
		}
		if len(p.data) >= 2 && p.kind == 4 {
			return int16(binary.LittleEndian.Uint16(p.data)), true
		}
		return nil, false
	}
	return nil, false
}

// lookupParamArray reads a numeric parameter's full data array (not just
// its first element), used for per-channel ANALOG:SCALE/ANALOG:OFFSET.
func lookupParamArray(params []parameter, groupDotName string) []float64 {
	parts := strings.SplitN(groupDotName, ":", 2)
	if len(parts) != 2 {
		return nil
	}
	group, name := parts[0], parts[1]
	for _, p := range params {
		if !strings.EqualFold(p.group, group) || !strings.EqualFold(p.name, name) {
			continue
		}
		switch p.kind {
		case -4:
			n := len(p.data) / 4
			out := make([]float64, n)
			for i := 0; i < n; i++ {
				out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(p.data[i*4 : i*4+4])))
			}
			return out
		case 4:
			n := len(p.data) / 2
			out := make([]float64, n)
			for i := 0; i < n; i++ {
				out[i] = float64(int16(binary.LittleEndian.Uint16(p.data[i*2 : i*2+2])))
			}
			return out
		}
		return nil
	}
	return nil
}

func toFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float32:
		return float64(t)
	case float64:
		return t
	case int16:
		return float64(t)
	case int:
		return float64(t)
	default:
		return 0
	}
}
