package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/drblury/postrelay/internal/posts"
	"github.com/drblury/postrelay/internal/runtime"
	"github.com/drblury/postrelay/internal/runtime/logging"
	"github.com/drblury/postrelay/transport"
)

type produceOptions struct {
	once    bool
	title   string
	content string
	author  string
}

// event returns the post to publish with --once. Without a title and
// content a synthetic post is generated.
func (o produceOptions) event() posts.Event {
	if o.title == "" && o.content == "" {
		return posts.Synthesize()
	}
	return posts.Event{
		Action:   posts.ActionCreate,
		Title:    o.title,
		Content:  o.content,
		AuthorID: o.author,
	}
}

func newProduceCommand(opts *rootOptions) *cobra.Command {
	po := produceOptions{}

	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Publish post events to the durable queue",
		Long:  "Publish a synthetic post every producer interval, or a single post with --once.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			t, err := transport.Build(ctx, cfg, logging.NewWatermillAdapter(log))
			if err != nil {
				return err
			}
			defer t.Close()

			producer, err := runtime.NewProducer(t.Publisher, cfg.QueueName, log)
			if err != nil {
				return err
			}

			if po.once {
				id, err := producer.Publish(ctx, po.event())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			}

			log.Info("Producing synthetic posts", logging.LogFields{
				"queue":    cfg.QueueName,
				"interval": cfg.ProducerInterval.String(),
			})
			return producer.Run(ctx, cfg.ProducerInterval, nil)
		},
	}
	cmd.Flags().BoolVar(&po.once, "once", false, "publish a single event and exit")
	cmd.Flags().StringVar(&po.title, "title", "", "post title (with --once)")
	cmd.Flags().StringVar(&po.content, "content", "", "post content (with --once)")
	cmd.Flags().StringVar(&po.author, "author", "", "post author id (with --once)")
	return cmd
}
