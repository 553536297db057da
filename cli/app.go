// Package cli contains the handeye command line application.
package cli

import (
	"io"

	"github.com/urfave/cli/v2"

	"go.viam.com/handeye/utils"
)

const (
	generalFlagConfig = "config"
	generalFlagDebug  = "debug"
	generalFlagTrace  = "trace"

	poseFlagContinuous = "continuous"
	poseFlagInterval   = "interval"
	poseFlagCount      = "count"

	solveFlagInput    = "input"
	solveFlagMounting = "mounting"

	verifyFlagResult = "result"
	verifyFlagCount  = "count"

	pendantFlagPose = "pose"

	moveFlagPose    = "pose"
	moveFlagConfirm = "yes"
)

var app = &cli.App{
	Name:            "handeye",
	Usage:           "calibrate a camera against a robot arm",
	HideHelpCommand: true,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    generalFlagConfig,
			Aliases: []string{"c"},
			Usage:   "load configuration from `FILE`",
			EnvVars: []string{utils.ConfigEnvVar},
		},
		&cli.BoolFlag{
			Name:    generalFlagDebug,
			Aliases: []string{"vvv"},
			Usage:   "enable debug logging",
		},
		&cli.BoolFlag{
			Name:  generalFlagTrace,
			Usage: "log the wire and capture details of this command without raising the log level",
		},
	},
	Commands: []*cli.Command{
		{
			Name:      "pose",
			Usage:     "print the current TCP pose as the calibration sees it",
			UsageText: "handeye [-c config.json] pose [--continuous]",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  poseFlagContinuous,
					Usage: "keep printing until interrupted",
				},
				&cli.DurationFlag{
					Name:  poseFlagInterval,
					Usage: "time between readings in continuous mode",
					Value: defaultPoseInterval,
				},
				&cli.IntFlag{
					Name:   poseFlagCount,
					Usage:  "stop after this many readings in continuous mode",
					Hidden: true,
				},
			},
			Action: PoseAction,
		},
		{
			Name:      "collect",
			Usage:     "interactively capture robot pose and marker pose pairs",
			UsageText: "handeye [-c config.json] collect",
			Description: `Move the robot with the teach pendant so the marker is in view, then press ENTER
to capture a sample. The robot is never moved by this command.

  ENTER  capture a sample
  d      discard the last sample
  c      clear all samples
  q      save and quit`,
			Action: CollectAction,
		},
		{
			Name:      "solve",
			Usage:     "solve the hand-eye transform from a saved sample set",
			UsageText: "handeye [-c config.json] solve --input handeye_data_<timestamp>.json",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     solveFlagInput,
					Aliases:  []string{"i"},
					Usage:    "sample set `FILE` written by collect",
					Required: true,
				},
				&cli.StringFlag{
					Name:  solveFlagMounting,
					Usage: "override the mounting: eye-in-hand or eye-to-hand",
				},
			},
			Action: SolveAction,
		},
		{
			Name:      "verify",
			Usage:     "check a calibration result against freshly captured samples",
			UsageText: "handeye [-c config.json] verify [--result result_<timestamp>.json] [--count N]",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  verifyFlagResult,
					Usage: "result `FILE` to verify, defaults to the newest result in the data directory",
				},
				&cli.IntFlag{
					Name:  verifyFlagCount,
					Usage: "number of held-out samples to capture",
					Value: 3,
				},
			},
			Action: VerifyAction,
		},
		{
			Name:      "pendant-check",
			Usage:     "compare the pose on the teach pendant with the pose reader",
			UsageText: `handeye [-c config.json] pendant-check --pose "x,y,z,rx,ry,rz"`,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     pendantFlagPose,
					Usage:    "pose shown on the pendant, millimetres and rotation vector in radians",
					Required: true,
				},
			},
			Action: PendantCheckAction,
		},
		{
			Name:      "move",
			Usage:     "move the TCP linearly to a pose (requires allow_motion)",
			UsageText: `handeye [-c config.json] move --pose "x,y,z,rx,ry,rz" --yes`,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     moveFlagPose,
					Usage:    "target pose, millimetres and rotation vector in radians in the pendant's frame",
					Required: true,
				},
				&cli.BoolFlag{
					Name:  moveFlagConfirm,
					Usage: "confirm that the path to the target is clear",
				},
			},
			Action: MoveAction,
		},
	},
}

// NewApp returns a new app with the CLI API, Writer set to out, ErrWriter set to errOut and
// Reader set to in.
func NewApp(in io.Reader, out, errOut io.Writer) *cli.App {
	app.Reader = in
	app.Writer = out
	app.ErrWriter = errOut
	return app
}
