// Package server exposes the model over HTTP: encode an image to its
// code grid, decode a code grid back to a PNG.
package server

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"log/slog"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/covq/covq/api"
	"github.com/covq/covq/imageproc"
	"github.com/covq/covq/ml"
	"github.com/covq/covq/model/vqmm"
	"github.com/covq/covq/version"
)

type Server struct {
	Context ml.Context
	Model   *vqmm.Model
}

func (s *Server) EncodeHandler(c *gin.Context) {
	var req api.EncodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: err.Error()})
		return
	}

	img, _, err := image.Decode(bytes.NewReader(req.Image))
	if err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: fmt.Sprintf("decode image: %v", err)})
		return
	}

	cfg := s.Model.Config()
	data := imageproc.Prepare(img, cfg.Resolution, imageproc.StandardMean, imageproc.StandardSTD)

	tensor, err := s.Context.FromFloatSlice(data, 1, cfg.InChannels, cfg.Resolution, cfg.Resolution)
	if err != nil {
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: err.Error()})
		return
	}

	_, _, indices, _ := s.Model.Encode(s.Context, tensor)
	c.JSON(http.StatusOK, api.EncodeResponse{
		Codes: indices.Ints(),
		Grid:  cfg.GridSize(),
	})
}

func (s *Server) DecodeHandler(c *gin.Context) {
	var req api.DecodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: err.Error()})
		return
	}

	cfg := s.Model.Config()
	g := cfg.GridSize()
	if len(req.Codes) != g*g {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: fmt.Sprintf("expected %d codes, got %d", g*g, len(req.Codes))})
		return
	}
	for _, code := range req.Codes {
		if code < 0 || int(code) >= cfg.NEmbed {
			c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: fmt.Sprintf("code %d outside the codebook", code)})
			return
		}
	}

	indices, err := s.Context.FromIntSlice(req.Codes, 1, g, g)
	if err != nil {
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: err.Error()})
		return
	}

	i2i, _ := s.Model.DecodeCode(s.Context, indices)
	img := imageproc.ToImage(i2i.Floats(), cfg.Resolution, cfg.Resolution, imageproc.StandardMean, imageproc.StandardSTD)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: err.Error()})
		return
	}
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}

func (s *Server) VersionHandler(c *gin.Context) {
	c.JSON(http.StatusOK, api.VersionResponse{Version: version.Version})
}

func (s *Server) GenerateRoutes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/api/encode", s.EncodeHandler)
	r.POST("/api/decode", s.DecodeHandler)
	r.GET("/api/version", s.VersionHandler)

	return r
}

func Serve(ln net.Listener, s *Server) error {
	r := s.GenerateRoutes()

	slog.Info("listening", "addr", ln.Addr())
	srv := &http.Server{Handler: r}
	return srv.Serve(ln)
}
