package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/go-gl/gl/v3.3-core/gl"
	"github.com/go-gl/glfw/v3.3/glfw"
	"golang.org/x/term"

	acf "github.com/acfdet/acf/core"
	"github.com/acfdet/acf/gpu"
	"github.com/acfdet/acf/pipeline"
	"github.com/acfdet/acf/utils"
)

const banner = `
┌─┐┌─┐┌─┐┬┌┐┌┌┬┐
├─┤│  ├┤ ││││ ││
┴ ┴└─┘└  ┴┘└┘─┴┘

Aggregated Channel Features object detection.
    Version: %s

`

// pipeName is the file name that indicates stdin/stdout is being used.
const pipeName = "-"

// Version indicates the current build version.
var Version string

// detectorApp bundles the command line settings.
type detectorApp struct {
	modelFile   string
	output      string
	minWidth    int
	calibration float64
	threads     int
	nms         bool
	single      bool
	useGpu      bool
	pyramids    bool
	box         bool
	annotate    bool
	window      bool

	det *acf.Detector
}

func main() {
	var (
		input       = flag.String("input", "", "Path or glob of input images, or integer camera index")
		output      = flag.String("output", "", "Directory for detection outputs")
		model       = flag.String("model", "", "Cascade model binary file")
		nms         = flag.Bool("nms", true, "Apply non maximum suppression")
		minWidth    = flag.Int("min", 0, "Minimum object width in source pixels")
		calibration = flag.Float64("calibration", 0, "Additive cascade threshold calibration")
		threads     = flag.Int("threads", -1, "Worker count (-1 = all cores, 0/1 = serial)")
		single      = flag.Bool("single", false, "Keep only the highest scoring detection")
		useGpu      = flag.Bool("gpu", false, "Compute channels with the OpenGL stage")
		pyramids    = flag.Bool("pyramids", false, "Dump pyramid visualizations")
		box         = flag.Bool("box", false, "Write .roi text boxes")
		annotate    = flag.Bool("annotate", false, "Write annotated images")
		window      = flag.Bool("window", false, "Show a preview window")
	)

	log.SetFlags(0)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, banner, Version)
		flag.PrintDefaults()
	}
	flag.Parse()

	if len(*input) == 0 || len(*model) == 0 {
		log.Fatal("Usage: acfind -input image.jpg -output out/ -model model.acf")
	}

	app := &detectorApp{
		modelFile:   *model,
		output:      *output,
		minWidth:    *minWidth,
		calibration: *calibration,
		threads:     *threads,
		nms:         *nms,
		single:      *single,
		useGpu:      *useGpu,
		pyramids:    *pyramids,
		box:         *box,
		annotate:    *annotate,
		window:      *window,
	}

	if err := app.loadModel(); err != nil {
		log.Fatalf("%sModel error: %v%s", utils.ErrorColor, err, utils.DefaultColor)
	}
	if app.output != "" {
		if err := os.MkdirAll(app.output, 0755); err != nil {
			log.Fatalf("Unable to create the output directory: %v", err)
		}
	}

	if idx, err := strconv.Atoi(*input); err == nil {
		if err := app.runCamera(idx); err != nil {
			log.Fatalf("%sCamera error: %v%s", utils.ErrorColor, err, utils.DefaultColor)
		}
		return
	}
	if err := app.runImages(*input); err != nil {
		log.Fatalf("%sDetection error: %v%s", utils.ErrorColor, err, utils.DefaultColor)
	}
}

// loadModel reads, validates and unpacks the cascade, then applies the
// runtime tunable settings.
func (app *detectorApp) loadModel() error {
	contentType, err := utils.DetectFileContentType(app.modelFile)
	if err != nil {
		return err
	}
	if contentType != "application/octet-stream" {
		return fmt.Errorf("the provided cascade model is not a valid binary file")
	}
	packet, err := os.ReadFile(app.modelFile)
	if err != nil {
		return err
	}
	clf, err := acf.UnpackCascade(packet)
	if err != nil {
		return err
	}
	det, err := acf.NewDetector(clf)
	if err != nil {
		return err
	}
	det.Threads = app.threads
	det.Pyramid.Threads = app.threads
	det.CascCal = app.calibration
	if app.nms {
		nms := acf.DefaultNmsParams()
		det.Nms = &nms
	}
	app.det = det
	return nil
}

// runImages detects over a file path, glob or stdin stream.
func (app *detectorApp) runImages(input string) error {
	var files []string
	if input == pipeName {
		if term.IsTerminal(int(os.Stdin.Fd())) {
			log.Fatalln("`-` should be used with a pipe for stdin")
		}
		files = []string{pipeName}
	} else {
		matches, err := filepath.Glob(input)
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			return fmt.Errorf("no input matches %q", input)
		}
		files = matches
	}

	start := time.Now()
	total := 0
	for _, file := range files {
		ind := utils.NewProgressIndicator("Detecting objects...", time.Millisecond*100)
		ind.Start()

		dets, src, err := app.detectFile(file)
		if err != nil {
			ind.StopMsg = fmt.Sprintf("Detecting objects... %sfailed ✗%s", utils.ErrorColor, utils.DefaultColor)
			ind.Stop()
			return err
		}
		ind.StopMsg = fmt.Sprintf("Detecting objects... %sfinished ✔%s", utils.SuccessColor, utils.DefaultColor)
		ind.Stop()

		total += len(dets)
		name := filepath.Base(file)
		if file == pipeName {
			name = "stdin"
		}
		if err := app.writeOutputs(name, src, dets); err != nil {
			return err
		}
	}

	if total > 0 {
		log.Printf("\n%s%d%s object(s) detected", utils.SuccessColor, total, utils.DefaultColor)
	} else {
		log.Printf("\n%sno detected objects!%s", utils.ErrorColor, utils.DefaultColor)
	}
	log.Printf("\nExecution time: %s%.2fs%s\n", utils.SuccessColor, time.Since(start).Seconds(), utils.DefaultColor)
	return nil
}

// detectFile decodes and scans one image file.
func (app *detectorApp) detectFile(file string) ([]acf.Detection, *image.NRGBA, error) {
	var r io.Reader
	if file == pipeName {
		r = os.Stdin
	} else {
		f, err := os.Open(file)
		if err != nil {
			return nil, nil, err
		}
		defer f.Close()
		r = f
	}
	src, err := acf.DecodeImage(r)
	if err != nil {
		return nil, nil, err
	}

	// Downscale a detection copy so the smallest detectable object maps
	// onto the model window width; annotate the untouched original.
	scan := src
	scale := 1.0
	if app.minWidth > 0 && app.minWidth > app.det.Clf.ModelDs.X {
		w := src.Bounds().Dx() * app.det.Clf.ModelDs.X / app.minWidth
		scale = float64(src.Bounds().Dx()) / float64(w)
		scan = acf.ImgToNRGBA(imaging.Resize(src, w, 0, imaging.Linear))
	}

	planar := acf.PlanarFromNRGBA(scan)
	if app.pyramids {
		if err := app.dumpPyramid(file, planar); err != nil {
			return nil, nil, err
		}
	}
	dets, err := app.det.DetectPlanar(planar, false)
	if err != nil {
		return nil, nil, err
	}
	if app.single && len(dets) > 1 {
		dets = dets[:1]
	}
	for i := range dets {
		dets[i].X *= scale
		dets[i].Y *= scale
		dets[i].W *= scale
		dets[i].H *= scale
	}
	return dets, src, nil
}

// dumpPyramid writes the channel pyramid visualization next to the other
// outputs.
func (app *detectorApp) dumpPyramid(file string, planar *acf.PlanarImage) error {
	pyr, err := acf.ComputePyramid(planar, app.det.Pyramid, false)
	if err != nil {
		return err
	}
	canvas := acf.DumpPyramid(pyr)
	name := "pyramid_" + stripExt(filepath.Base(file)) + ".png"
	out, err := os.Create(filepath.Join(app.output, name))
	if err != nil {
		return err
	}
	defer out.Close()
	return png.Encode(out, canvas)
}

// jsonRect is the serialized form of one detection.
type jsonRect struct {
	X     int     `json:"x"`
	Y     int     `json:"y"`
	W     int     `json:"width"`
	H     int     `json:"height"`
	Score float64 `json:"score"`
}

// writeOutputs emits the enabled output artifacts for one frame.
func (app *detectorApp) writeOutputs(name string, src *image.NRGBA, dets []acf.Detection) error {
	if app.output == "" {
		return nil
	}
	base := stripExt(name)

	rects := make([]jsonRect, 0, len(dets))
	for _, d := range dets {
		rects = append(rects, jsonRect{
			X: int(d.X + 0.5), Y: int(d.Y + 0.5),
			W: int(d.W + 0.5), H: int(d.H + 0.5),
			Score: d.Score,
		})
	}
	jf, err := os.Create(filepath.Join(app.output, base+".json"))
	if err != nil {
		return err
	}
	if err := json.NewEncoder(jf).Encode(rects); err != nil {
		jf.Close()
		return err
	}
	jf.Close()

	if app.box {
		bf, err := os.Create(filepath.Join(app.output, base+".roi"))
		if err != nil {
			return err
		}
		w := bufio.NewWriter(bf)
		for _, r := range rects {
			fmt.Fprintf(w, "%d %d %d %d %f\n", r.X, r.Y, r.W, r.H, r.Score)
		}
		w.Flush()
		bf.Close()
	}

	if app.annotate {
		dc := gg.NewContext(src.Bounds().Dx(), src.Bounds().Dy())
		dc.DrawImage(src, 0, 0)
		for _, d := range dets {
			dc.DrawRectangle(d.X, d.Y, d.W, d.H)
		}
		dc.SetLineWidth(2.0)
		dc.SetStrokeStyle(gg.NewSolidPattern(color.RGBA{R: 255, A: 255}))
		dc.Stroke()

		af, err := os.Create(filepath.Join(app.output, base+"_annotated.jpg"))
		if err != nil {
			return err
		}
		defer af.Close()
		return jpeg.Encode(af, dc.Image(), &jpeg.Options{Quality: 100})
	}
	return nil
}

// runCamera streams MJPEG frames from an external capture command through
// the two frame latency pipeline and delivers detections per frame.
func (app *detectorApp) runCamera(index int) error {
	var win *glfw.Window
	var provider pipeline.ChannelProvider
	var stage *gpu.Stage

	if app.useGpu || app.window {
		var err error
		win, err = initGL(app.window)
		if err != nil {
			return err
		}
		defer glfw.Terminate()
	}

	cmd := exec.Command("ffmpeg",
		"-loglevel", "quiet",
		"-f", "v4l2", "-i", fmt.Sprintf("/dev/video%d", index),
		"-f", "mjpeg", "-q:v", "4", pipeName)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	defer cmd.Wait()
	defer cmd.Process.Kill()

	frames := mjpegFrames(stdout)
	first, ok := <-frames
	if !ok {
		return fmt.Errorf("no frames from camera %d", index)
	}
	w, h := first.Bounds().Dx(), first.Bounds().Dy()

	if app.useGpu {
		pack := gpu.PackLUVM012345
		if !app.det.Pyramid.Channels.Color.Enabled {
			pack = gpu.PackM012345
		}
		stage, err = gpu.NewStage(app.det.Pyramid, w, h, pack, true)
		if err != nil {
			return err
		}
		provider = stage
	} else {
		provider = pipeline.NewCpuChannels(app.det.Pyramid)
	}

	sched := pipeline.NewScheduler(provider, app.det)
	sched.SetSingleObject(app.single)
	defer sched.Close()

	var index64 uint64
	feed := func(img *image.NRGBA) error {
		res, err := sched.Process(pipeline.Frame{
			Index: index64, Width: w, Height: h, Pix: img.Pix,
		}, true)
		index64++
		if err != nil {
			return err
		}
		if res == nil {
			return nil // pipeline warm-up
		}
		log.Printf("frame %d: %d object(s)", res.FrameIndex, len(res.Detections))
		if app.window && win != nil {
			showPreview(win, img, res.Detections)
		}
		return nil
	}

	if err := feed(first); err != nil {
		return err
	}
	for img := range frames {
		if img.Bounds().Dx() != w || img.Bounds().Dy() != h {
			return fmt.Errorf("camera frame size changed mid stream")
		}
		if err := feed(img); err != nil {
			return err
		}
		if win != nil && win.ShouldClose() {
			break
		}
	}
	return nil
}

// mjpegFrames splits an MJPEG byte stream into decoded frames.
func mjpegFrames(r io.Reader) <-chan *image.NRGBA {
	out := make(chan *image.NRGBA)
	go func() {
		defer close(out)
		br := bufio.NewReaderSize(r, 1<<20)
		var buf bytes.Buffer
		inFrame := false
		prev := byte(0)
		for {
			b, err := br.ReadByte()
			if err != nil {
				return
			}
			if !inFrame {
				if prev == 0xff && b == 0xd8 { // SOI
					buf.Reset()
					buf.WriteByte(0xff)
					buf.WriteByte(0xd8)
					inFrame = true
				}
			} else {
				buf.WriteByte(b)
				if prev == 0xff && b == 0xd9 { // EOI
					inFrame = false
					if img, err := jpeg.Decode(bytes.NewReader(buf.Bytes())); err == nil {
						out <- acf.ImgToNRGBA(img)
					}
				}
			}
			prev = b
		}
	}()
	return out
}

// initGL creates the GL context, hidden unless a preview window was asked.
func initGL(visible bool) (*glfw.Window, error) {
	if err := glfw.Init(); err != nil {
		return nil, err
	}
	glfw.WindowHint(glfw.ContextVersionMajor, 3)
	glfw.WindowHint(glfw.ContextVersionMinor, 3)
	glfw.WindowHint(glfw.OpenGLProfile, glfw.OpenGLCoreProfile)
	glfw.WindowHint(glfw.OpenGLForwardCompatible, glfw.True)
	if !visible {
		glfw.WindowHint(glfw.Visible, glfw.False)
	}
	win, err := glfw.CreateWindow(960, 540, "acfind", nil, nil)
	if err != nil {
		glfw.Terminate()
		return nil, err
	}
	win.MakeContextCurrent()
	if err := gl.Init(); err != nil {
		glfw.Terminate()
		return nil, err
	}
	return win, nil
}

var previewTex, previewFbo uint32

// showPreview blits the annotated frame into the window.
func showPreview(win *glfw.Window, img *image.NRGBA, dets []acf.Detection) {
	dc := gg.NewContextForImage(img)
	for _, d := range dets {
		dc.DrawRectangle(d.X, d.Y, d.W, d.H)
	}
	dc.SetLineWidth(2.0)
	dc.SetStrokeStyle(gg.NewSolidPattern(color.RGBA{R: 255, A: 255}))
	dc.Stroke()
	img = acf.ImgToNRGBA(dc.Image())

	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if previewTex == 0 {
		gl.GenTextures(1, &previewTex)
		gl.BindTexture(gl.TEXTURE_2D, previewTex)
		gl.TexImage2D(gl.TEXTURE_2D, 0, gl.RGBA8, int32(w), int32(h), 0, gl.RGBA, gl.UNSIGNED_BYTE, nil)
		gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, gl.LINEAR)
		gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAG_FILTER, gl.LINEAR)
		gl.GenFramebuffers(1, &previewFbo)
		gl.BindFramebuffer(gl.READ_FRAMEBUFFER, previewFbo)
		gl.FramebufferTexture2D(gl.READ_FRAMEBUFFER, gl.COLOR_ATTACHMENT0, gl.TEXTURE_2D, previewTex, 0)
	}
	gl.BindTexture(gl.TEXTURE_2D, previewTex)
	gl.TexSubImage2D(gl.TEXTURE_2D, 0, 0, 0, int32(w), int32(h), gl.RGBA, gl.UNSIGNED_BYTE, gl.Ptr(img.Pix))

	ww, wh := win.GetFramebufferSize()
	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, previewFbo)
	gl.BindFramebuffer(gl.DRAW_FRAMEBUFFER, 0)
	gl.BlitFramebuffer(0, int32(h), int32(w), 0, 0, 0, int32(ww), int32(wh),
		gl.COLOR_BUFFER_BIT, gl.LINEAR)
	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, 0)

	win.SwapBuffers()
	glfw.PollEvents()
}

func stripExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}
