package support

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/cucumber/godog"

	"github.com/MeKo-Tech/scanpreview/internal/server"
	"github.com/MeKo-Tech/scanpreview/internal/session"
	"github.com/MeKo-Tech/scanpreview/internal/testutil"
	"github.com/MeKo-Tech/scanpreview/internal/vision"
	"github.com/MeKo-Tech/scanpreview/internal/vision/native"
)

const settleTimeout = 20 * time.Second

// RegisterServerSteps registers engine and session setup steps.
func (tc *TestContext) RegisterServerSteps(sc *godog.ScenarioContext) {
	sc.Step(`^the vision engine is ready$`, tc.theVisionEngineIsReady)
	sc.Step(`^the vision engine is still loading$`, tc.theVisionEngineIsStillLoading)
	sc.Step(`^the vision engine holds the first run$`, tc.theVisionEngineHoldsTheFirstRun)
	sc.Step(`^the vision engine finishes loading$`, tc.theVisionEngineFinishesLoading)
	sc.Step(`^a preview session$`, tc.aPreviewSession)
}

// RegisterSelectionSteps registers file selection steps.
func (tc *TestContext) RegisterSelectionSteps(sc *godog.ScenarioContext) {
	sc.Step(`^I select the text file "([^"]*)"$`, tc.iSelectTheTextFile)
	sc.Step(`^I select a white square image of (\d+) pixels$`, tc.iSelectAWhiteSquareImage)
	sc.Step(`^I select a document photo tilted by (\d+) degrees$`, tc.iSelectATiltedDocumentPhoto)
	sc.Step(`^the first run has started$`, tc.theFirstRunHasStarted)
	sc.Step(`^the held run is released$`, tc.theHeldRunIsReleased)
}

// RegisterResultSteps registers assertions on session state and output.
func (tc *TestContext) RegisterResultSteps(sc *godog.ScenarioContext) {
	sc.Step(`^the selection is rejected with status (\d+) and error kind "([^"]*)"$`, tc.theSelectionIsRejected)
	sc.Step(`^the session state is "([^"]*)"$`, tc.theSessionStateIs)
	sc.Step(`^the session state becomes "([^"]*)"$`, tc.theSessionStateBecomes)
	sc.Step(`^no processed image is available$`, tc.noProcessedImageIsAvailable)
	sc.Step(`^the processed image is (\d+) by (\d+) pixels and entirely white$`, tc.theProcessedImageIsWhite)
	sc.Step(`^the deskew left the image unrotated$`, tc.theDeskewLeftTheImageUnrotated)
	sc.Step(`^the deskew rotated the image by about (\d+) degrees$`, tc.theDeskewRotatedTheImage)
	sc.Step(`^the processed page is level within ([\d.]+) degrees$`, tc.theProcessedPageIsLevel)
	sc.Step(`^the download is a PNG named "([^"]*)"$`, tc.theDownloadIsAPNGNamed)
	sc.Step(`^the observed states were "([^"]*)"$`, tc.theObservedStatesWere)
	sc.Step(`^the selected file is "([^"]*)"$`, tc.theSelectedFileIs)
}

func (tc *TestContext) theVisionEngineIsReady() error {
	tc.Engine = vision.Ready(native.New())
	return nil
}

func (tc *TestContext) theVisionEngineIsStillLoading() error {
	tc.release = make(chan struct{})
	tc.Engine = loadingHandle(tc.release)
	return nil
}

func (tc *TestContext) theVisionEngineHoldsTheFirstRun() error {
	tc.Held = newHeldEngine()
	tc.Engine = vision.Ready(tc.Held)
	return nil
}

func (tc *TestContext) theVisionEngineFinishesLoading() error {
	if tc.release == nil {
		return fmt.Errorf("the vision engine is not loading")
	}
	close(tc.release)
	tc.release = nil
	select {
	case <-tc.Engine.Done():
	case <-time.After(settleTimeout):
		return fmt.Errorf("engine did not finish loading")
	}
	if !tc.Engine.IsReady() {
		return fmt.Errorf("engine failed to load: %v", tc.Engine.Err())
	}
	return nil
}

func (tc *TestContext) aPreviewSession() error {
	if err := tc.startServer(); err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, tc.HTTPServer.URL+"/api/sessions", nil)
	if err != nil {
		return err
	}
	if err := tc.do(req); err != nil {
		return err
	}
	if tc.LastStatusCode != http.StatusCreated {
		return fmt.Errorf("expected 201 creating a session, got %d: %s", tc.LastStatusCode, tc.LastBody)
	}
	var snap session.Snapshot
	if err := json.Unmarshal(tc.LastBody, &snap); err != nil {
		return err
	}
	tc.SessionID = snap.ID
	return tc.followEvents()
}

func (tc *TestContext) iSelectTheTextFile(name string) error {
	return tc.upload(name, "text/plain", []byte("shopping list: milk, eggs"))
}

func (tc *TestContext) iSelectAWhiteSquareImage(side int) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, testutil.WhitePage(side)); err != nil {
		return err
	}
	return tc.expectAccepted(tc.upload(fmt.Sprintf("white-%d.png", side), "image/png", buf.Bytes()))
}

func (tc *TestContext) iSelectATiltedDocumentPhoto(degrees int) error {
	cfg := testutil.DefaultDocumentConfig()
	cfg.Tilt = float64(degrees)
	img, err := testutil.GenerateDocument(cfg)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return err
	}
	return tc.expectAccepted(tc.upload(fmt.Sprintf("tilted-%d.png", degrees), "image/png", buf.Bytes()))
}

func (tc *TestContext) expectAccepted(err error) error {
	if err != nil {
		return err
	}
	if tc.LastStatusCode != http.StatusAccepted {
		return fmt.Errorf("expected 202 for the selection, got %d: %s", tc.LastStatusCode, tc.LastBody)
	}
	return nil
}

func (tc *TestContext) theFirstRunHasStarted() error {
	if tc.Held == nil {
		return fmt.Errorf("the vision engine is not holding runs")
	}
	select {
	case <-tc.Held.entered:
		return nil
	case <-time.After(settleTimeout):
		return fmt.Errorf("the first run never reached the engine")
	}
}

func (tc *TestContext) theHeldRunIsReleased() error {
	if tc.Held == nil {
		return fmt.Errorf("the vision engine is not holding runs")
	}
	tc.Held.Release()
	return nil
}

func (tc *TestContext) theSelectionIsRejected(status int, kind string) error {
	if tc.LastStatusCode != status {
		return fmt.Errorf("expected status %d, got %d: %s", status, tc.LastStatusCode, tc.LastBody)
	}
	var resp server.ErrorResponse
	if err := json.Unmarshal(tc.LastBody, &resp); err != nil {
		return fmt.Errorf("error body is not JSON: %w", err)
	}
	if resp.Success {
		return fmt.Errorf("error response reports success")
	}
	if resp.Kind != kind {
		return fmt.Errorf("expected error kind %q, got %q", kind, resp.Kind)
	}
	return nil
}

func (tc *TestContext) theSessionStateIs(expected string) error {
	snap, err := tc.snapshot()
	if err != nil {
		return err
	}
	if snap.State.String() != expected {
		return fmt.Errorf("expected state %q, got %q", expected, snap.State)
	}
	return nil
}

func (tc *TestContext) theSessionStateBecomes(expected string) error {
	deadline := time.Now().Add(settleTimeout)
	for {
		snap, err := tc.snapshot()
		if err != nil {
			return err
		}
		if snap.State.String() == expected {
			return nil
		}
		if snap.State == session.StateFailed || time.Now().After(deadline) {
			return fmt.Errorf("expected state %q, got %q (%s)", expected, snap.State, snap.Error)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (tc *TestContext) noProcessedImageIsAvailable() error {
	for _, path := range []string{"/processed", "/download"} {
		if err := tc.get(tc.sessionURL(path)); err != nil {
			return err
		}
		if tc.LastStatusCode != http.StatusConflict {
			return fmt.Errorf("expected 409 from %s, got %d", path, tc.LastStatusCode)
		}
	}
	return nil
}

// processedImage fetches and decodes the processed preview.
func (tc *TestContext) processedImage() (image.Image, error) {
	if err := tc.get(tc.sessionURL("/processed")); err != nil {
		return nil, err
	}
	if tc.LastStatusCode != http.StatusOK {
		return nil, fmt.Errorf("expected 200 for the processed image, got %d: %s", tc.LastStatusCode, tc.LastBody)
	}
	return png.Decode(bytes.NewReader(tc.LastBody))
}

func (tc *TestContext) theProcessedImageIsWhite(width, height int) error {
	img, err := tc.processedImage()
	if err != nil {
		return err
	}
	if got := img.Bounds().Size(); got != image.Pt(width, height) {
		return fmt.Errorf("expected %dx%d, got %dx%d", width, height, got.X, got.Y)
	}
	if white := testutil.CountWhite(img); white != width*height {
		return fmt.Errorf("expected every pixel white, %d of %d are", white, width*height)
	}
	return nil
}

func (tc *TestContext) theDeskewLeftTheImageUnrotated() error {
	snap, err := tc.snapshot()
	if err != nil {
		return err
	}
	if snap.Deskew == nil {
		return fmt.Errorf("snapshot has no deskew result")
	}
	if math.Abs(snap.Deskew.Angle) > 1e-9 {
		return fmt.Errorf("expected a zero deskew angle, got %.3f", snap.Deskew.Angle)
	}
	return nil
}

func (tc *TestContext) theDeskewRotatedTheImage(degrees int) error {
	snap, err := tc.snapshot()
	if err != nil {
		return err
	}
	if snap.Deskew == nil || !snap.Deskew.Rotated {
		return fmt.Errorf("expected the image to be rotated, got %+v", snap.Deskew)
	}
	if diff := math.Abs(math.Abs(snap.Deskew.Angle) - float64(degrees)); diff > 1.5 {
		return fmt.Errorf("expected a deskew of about %d degrees, got %.2f", degrees, snap.Deskew.Angle)
	}
	return nil
}

func (tc *TestContext) theProcessedPageIsLevel(tolerance float64) error {
	img, err := tc.processedImage()
	if err != nil {
		return err
	}
	angle, err := dominantAngle(img)
	if err != nil {
		return err
	}
	if math.IsNaN(angle) || math.Abs(angle) > tolerance {
		return fmt.Errorf("expected the page edge within %.1f degrees of horizontal, got %.2f", tolerance, angle)
	}
	return nil
}

func (tc *TestContext) theDownloadIsAPNGNamed(name string) error {
	if err := tc.get(tc.sessionURL("/download")); err != nil {
		return err
	}
	if tc.LastStatusCode != http.StatusOK {
		return fmt.Errorf("expected 200 for the download, got %d: %s", tc.LastStatusCode, tc.LastBody)
	}
	if ct := tc.LastHeaders.Get("Content-Type"); ct != "image/png" {
		return fmt.Errorf("expected image/png, got %q", ct)
	}
	if cd := tc.LastHeaders.Get("Content-Disposition"); !strings.Contains(cd, "attachment") || !strings.Contains(cd, name) {
		return fmt.Errorf("expected an attachment named %q, got %q", name, cd)
	}
	if _, err := png.Decode(bytes.NewReader(tc.LastBody)); err != nil {
		return fmt.Errorf("download is not a PNG: %w", err)
	}
	return nil
}

func (tc *TestContext) theObservedStatesWere(list string) error {
	var expected []string
	for _, s := range strings.Split(list, ",") {
		expected = append(expected, strings.TrimSpace(s))
	}
	deadline := time.Now().Add(settleTimeout)
	for {
		observed := tc.observedStates()
		got := make([]string, len(observed))
		for i, s := range observed {
			got[i] = s.String()
		}
		if strings.Join(got, ",") == strings.Join(expected, ",") {
			return nil
		}
		if len(got) >= len(expected) || time.Now().After(deadline) {
			return fmt.Errorf("expected states %v, observed %v", expected, got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (tc *TestContext) theSelectedFileIs(name string) error {
	snap, err := tc.snapshot()
	if err != nil {
		return err
	}
	if snap.Source == nil {
		return fmt.Errorf("no file is selected")
	}
	if snap.Source.Name != name {
		return fmt.Errorf("expected selected file %q, got %q", name, snap.Source.Name)
	}
	return nil
}
