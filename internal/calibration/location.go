package calibration

import (
	"context"
	"strings"

	"github.com/ayusman/viewdistance/internal/logger"
	"github.com/ayusman/viewdistance/internal/model"
)

// Location tokens accepted in a location sequence.
const (
	TokenCamera         = "camera"
	TokenCameraLeftEye  = "cameraLeftEye"
	TokenCameraRightEye = "cameraRightEye"
	TokenCenter         = "center"
	TokenCenterLeftEye  = "centerLeftEye"
	TokenCenterRightEye = "centerRightEye"
)

// DefaultLocationSequence measures at the camera, then at the screen centre.
const DefaultLocationSequence = TokenCamera + "," + TokenCenter

var locationTokens = map[string]model.LocationInfo{
	TokenCamera:         {LocEye: TokenCamera, Location: model.LocationCamera, Eye: model.EyeUnspecified},
	TokenCameraLeftEye:  {LocEye: TokenCameraLeftEye, Location: model.LocationCamera, Eye: model.EyeLeftOnly},
	TokenCameraRightEye: {LocEye: TokenCameraRightEye, Location: model.LocationCamera, Eye: model.EyeRightOnly},
	TokenCenter:         {LocEye: TokenCenter, Location: model.LocationCenter, Eye: model.EyeUnspecified},
	TokenCenterLeftEye:  {LocEye: TokenCenterLeftEye, Location: model.LocationCenter, Eye: model.EyeLeftOnly},
	TokenCenterRightEye: {LocEye: TokenCenterRightEye, Location: model.LocationCenter, Eye: model.EyeRightOnly},
}

// ParseLocationToken decomposes a token into its location and eye.
// Unrecognised tokens decompose to {camera, unspecified}; ok reports whether the token was known.
func ParseLocationToken(token string) (info model.LocationInfo, ok bool) {
	token = strings.TrimSpace(token)
	if info, ok := locationTokens[token]; ok {
		return info, true
	}
	return model.LocationInfo{LocEye: token, Location: model.LocationCamera, Eye: model.EyeUnspecified}, false
}

// ParseLocationSequence splits a comma-separated configuration string into trimmed tokens.
// Empty entries are dropped.
func ParseLocationSequence(s string) []string {
	parts := strings.Split(s, ",")
	tokens := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tokens = append(tokens, p)
		}
	}
	return tokens
}

// decomposeSequence parses every token, warning once per unknown token.
func decomposeSequence(tokens []string, log logger.Logger) []model.LocationInfo {
	infos := make([]model.LocationInfo, len(tokens))
	for i, tok := range tokens {
		info, ok := ParseLocationToken(tok)
		if !ok {
			log.Warn(context.Background(), "unrecognized location token, using camera",
				logger.String("token", tok), logger.Int("index", i))
		}
		infos[i] = info
	}
	return infos
}
