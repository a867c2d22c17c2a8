package main

func (cli *commandLine) migrate(args []string) error {
	if cli.db == nil {
		return errNoSQLEngine
	}
	return gooseRunFunc(args[0], cli.db, args[1:]...)
}
