package main

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/openjobspec/ojs-recovery-nats/internal/core"
	natsbackend "github.com/openjobspec/ojs-recovery-nats/internal/nats"
	"github.com/openjobspec/ojs-recovery-nats/internal/server"
)

// Recovery message kinds, used as the last subject token.
const (
	kindRecover  = "recover"
	kindCancel   = "cancel"
	kindShutdown = "shutdown"
)

var (
	sendRecover = core.RecoverMsg{MsgType: core.MsgRecover}
	sendCancel  = core.CancelRecoverMsg{MsgType: core.MsgCancelRecover}
	sendStop    = core.RecoverShutdownMsg{MsgType: core.MsgRecoverShutdown}
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Publish a recovery message",
}

var sendRecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Ask recovery to track a blocked job",
	RunE: func(cmd *cobra.Command, _ []string) error {
		msg := sendRecover
		if verr := msg.Validate(); verr != nil {
			return verr
		}
		return publish(cmd.Context(), kindRecover, &msg)
	},
}

var sendCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Stop recovering a job and set its final status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		msg := sendCancel
		if msg.JobUUID == "" {
			return errors.New("--job is required")
		}
		return publish(cmd.Context(), kindCancel, &msg)
	},
}

var sendShutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Ask the recovery processes bound to a queue to stop",
	RunE: func(cmd *cobra.Command, _ []string) error {
		msg := sendStop
		return publish(cmd.Context(), kindShutdown, &msg)
	},
}

func init() {
	f := sendRecoverCmd.Flags()
	f.StringVar(&sendRecover.JobUUID, "job", "", "job UUID")
	f.StringVar(&sendRecover.TenantID, "tenant", "", "tenant id")
	f.StringVar((*string)(&sendRecover.ConditionCode), "condition", "", "condition code, e.g. SYSTEM_NOT_AVAILABLE")
	f.StringVar((*string)(&sendRecover.TesterType), "tester", string(core.TesterDefault), "tester type")
	f.StringToStringVar(&sendRecover.TesterParameters, "tester-param", nil, "tester parameter key=value")
	f.StringVar((*string)(&sendRecover.PolicyType), "policy", string(core.PolicyConstant), "backoff policy type")
	f.StringToStringVar(&sendRecover.PolicyParameters, "policy-param", nil, "policy parameter key=value")
	f.StringVar((*string)(&sendRecover.SuccessStatus), "success-status", "", "status set when the job is resubmitted")
	f.StringVar(&sendRecover.StatusMessage, "message", "", "status message set when the job is resubmitted")

	f = sendCancelCmd.Flags()
	f.StringVar(&sendCancel.JobUUID, "job", "", "job UUID")
	f.StringVar(&sendCancel.TenantID, "tenant", "", "tenant id")
	f.StringVar((*string)(&sendCancel.NewStatus), "status", string(core.StatusCancelled), "final job status")
	f.StringVar(&sendCancel.StatusMessage, "message", "", "status message")

	f = sendShutdownCmd.Flags()
	f.StringVar(&sendStop.QueueName, "queue", "", "queue name to stop; empty stops every reader")
	f.BoolVar(&sendStop.Force, "force", false, "stop without the grace period")

	sendCmd.AddCommand(sendRecoverCmd, sendCancelCmd, sendShutdownCmd)
}

func publish(ctx context.Context, kind string, msg any) error {
	_ = godotenv.Load()
	cfg, err := server.LoadConfig(cfgPath)
	if err != nil {
		return err
	}

	backend, err := natsbackend.New(cfg.NATS.URL, "ojs-recovery-cli")
	if err != nil {
		return err
	}
	defer backend.Close()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := natsbackend.NewProducer(backend.JetStream()).PublishRecovery(ctx, kind, msg); err != nil {
		return err
	}
	newLogger(cfg.Logging, isDebug).Info("recovery message published", "subject", natsbackend.RecoverySubject(kind))
	return nil
}
