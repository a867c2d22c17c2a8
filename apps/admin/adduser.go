package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/trezcool/shule/core/user"
)

// addUser creates an active user.User after validating it like the API does.
func (cli *commandLine) addUser(name, uname, email, pwd, roles string) error {
	ctx := context.Background()
	nu := user.NewUser{
		Name:            name,
		Username:        uname,
		Email:           email,
		Password:        pwd,
		PasswordConfirm: pwd,
	}
	for _, role := range strings.Split(roles, ",") {
		if role = strings.TrimSpace(role); role != "" {
			nu.Roles = append(nu.Roles, role)
		}
	}
	if err := nu.Validate(ctx, cli.validate, cli.usrSvc); err != nil {
		return err
	}

	usr, err := cli.usrSvc.Create(ctx, nu)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "user %s created (id: %s)\n", usr.Username, usr.ID)
	return nil
}
