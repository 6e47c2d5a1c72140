// Package api holds the request and response types of the HTTP service.
package api

// EncodeRequest carries one image to quantize. The image bytes are any
// registered format (png, jpeg, bmp, tiff, webp), base64-encoded in
// JSON per the usual []byte convention.
type EncodeRequest struct {
	Image []byte `json:"image"`
}

// EncodeResponse returns the discrete code grid of the image, row-major.
type EncodeResponse struct {
	Codes []int32 `json:"codes"`
	Grid  int     `json:"grid"`
}

// DecodeRequest carries a row-major code grid to reconstruct. Codes
// must have grid*grid entries, each below the codebook size.
type DecodeRequest struct {
	Codes []int32 `json:"codes"`
}

type VersionResponse struct {
	Version string `json:"version"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
