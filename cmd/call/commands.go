package call

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dLink/cmd/util"
	"github.com/ValentinKolb/dLink/rpc/client"
	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/server"
	"github.com/spf13/cobra"
	"io"
	"strconv"
)

var (
	echoCmd = &cobra.Command{
		Use:   "echo <message>",
		Short: "Send a message to the echo service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			background, _ := cmd.Flags().GetBool("background")
			fut, err := client.Send[[]byte](session, server.ServiceIDEcho, []byte(args[0]), client.PayloadProcessor{}, background)
			if err != nil {
				return err
			}
			defer fut.Close()

			payload, err := fut.Get(context.Background())
			if err != nil {
				return err
			}
			fmt.Println(string(payload))
			return nil
		},
	}

	statusCmd = &cobra.Command{
		Use:   "status <code>",
		Short: "Ask the status service to fail with a status code",
		Long:  util.WrapString("The status service fails every request with the given status code, the code is printed as server error."),
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if _, err := strconv.ParseUint(args[0], 10, 32); err != nil {
				return fmt.Errorf("invalid status code: %v", err)
			}
			_, err := session.Call(context.Background(), server.ServiceIDStatus, []byte(args[0]))

			var se *common.ServerError
			switch {
			case errors.As(err, &se):
				fmt.Printf("server error %d %s\n", se.Code, se.Message)
			case err != nil:
				return err
			default:
				fmt.Println("ok")
			}
			return nil
		},
	}

	queryCmd = &cobra.Command{
		Use:   "query <n>",
		Short: "Stream the numbers 1..n from the sequence service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			quiet, _ := cmd.Flags().GetBool("quiet")
			ctx := context.Background()

			head, body, err := client.SendQuery(session, server.ServiceIDSequence, []byte(args[0]))
			if err != nil {
				return err
			}
			defer head.Close()
			defer body.Close()

			q, err := head.Get(ctx)
			if err != nil {
				return err
			}
			defer q.Close()

			meta, err := q.Metadata(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("result set %s (%s)\n", q.Name, meta)

			chunks, bytes := 0, 0
			for {
				chunk, err := q.Next(ctx)
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return err
				}
				chunks++
				bytes += len(chunk)
				if !quiet {
					fmt.Print(string(chunk))
				}
			}

			rows, err := body.Get(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%s rows in %d chunks (%d bytes)\n", rows, chunks, bytes)
			return nil
		},
	}
)

func init() {
	echoCmd.Flags().Bool("background", false, util.WrapString("Process the response on the background workers"))
	queryCmd.Flags().Bool("quiet", false, util.WrapString("Only print the summary, not the rows"))
}
