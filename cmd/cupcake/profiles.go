package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"cupcake/internal/profiles"
)

var (
	profilesCmd = &cobra.Command{
		Use:   "profiles",
		Short: "Manage AWS profiles used by jobs",
	}

	profilesListCmd = &cobra.Command{
		Use:   "list",
		Short: "List profiles (secrets are not printed)",
		Args:  cobra.NoArgs,
		RunE:  listProfiles,
	}

	profilesPutCmd = &cobra.Command{
		Use:   "put <name>",
		Short: "Create or replace a profile",
		Args:  cobra.ExactArgs(1),
		RunE:  putProfile,
	}

	profilesDeleteCmd = &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a profile",
		Args:  cobra.ExactArgs(1),
		RunE:  deleteProfile,
	}

	newProfile profiles.Profile
)

func init() {
	f := profilesPutCmd.Flags()
	f.StringVar(&newProfile.AWSAccessKeyID, "access-key-id", "", "AWS access key id (required)")
	f.StringVar(&newProfile.AWSSecretAccessKey, "secret-access-key", "", "AWS secret access key (required)")
	f.StringVar(&newProfile.Region, "region", "", "default region")
	f.StringVar(&newProfile.RoleARN, "role-arn", "", "role to assume")
	_ = profilesPutCmd.MarkFlagRequired("access-key-id")
	_ = profilesPutCmd.MarkFlagRequired("secret-access-key")

	profilesCmd.AddCommand(profilesListCmd, profilesPutCmd, profilesDeleteCmd)
}

func listProfiles(cmd *cobra.Command, args []string) error {
	s, err := profileStore(cmd)
	if err != nil {
		return err
	}
	list, err := s.List(cmd.Context())
	if err != nil {
		return err
	}
	for i := range list {
		list[i].AWSSecretAccessKey = ""
	}
	out := cmd.OutOrStdout()
	if outputJSON {
		return printJSON(out, list)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tACCESS KEY ID\tREGION\tROLE ARN")
	for _, p := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Name, p.AWSAccessKeyID, p.Region, p.RoleARN)
	}
	return tw.Flush()
}

func putProfile(cmd *cobra.Command, args []string) error {
	s, err := profileStore(cmd)
	if err != nil {
		return err
	}
	p := newProfile
	p.Name = args[0]
	if err := s.Put(cmd.Context(), p); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Profile added successfully")
	return nil
}

func deleteProfile(cmd *cobra.Command, args []string) error {
	s, err := profileStore(cmd)
	if err != nil {
		return err
	}
	if err := s.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Profile deleted successfully")
	return nil
}
